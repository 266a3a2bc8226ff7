package template

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/example/labcoord/pkg/labapi"
)

var ErrTemplateNotFound = errors.New("template not found")

// Template describes a dispatchable notebook: its content location, the
// checksum agents verify before execution, and any attachments.
type Template struct {
	ID          string
	Name        string
	NotebookURL string
	Checksum    string
	Attachments []labapi.Attachment
	// RequestedPackages is the raw manifest before policy filtering.
	RequestedPackages map[string][]string
}

type Store interface {
	Get(ctx context.Context, templateID string) (Template, bool, error)
	Put(ctx context.Context, t Template) error
}

type MemoryStore struct {
	mu        sync.Mutex
	templates map[string]Template
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{templates: make(map[string]Template)}
}

func (m *MemoryStore) Get(_ context.Context, templateID string) (Template, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[templateID]
	return t, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, t Template) error {
	if t.ID == "" {
		return fmt.Errorf("template id is required")
	}
	if t.Checksum == "" {
		t.Checksum = ChecksumOf(t.NotebookURL)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
	return nil
}

func ChecksumOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
