package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/labcoord/agent/internal/config"
	"github.com/example/labcoord/pkg/labapi"
)

// Register announces the device to the control plane and returns the agent
// identity plus the heartbeat interval the control plane settled on.
func Register(ctx context.Context, cfg config.Config) (labapi.RegisterAgentResponse, error) {
	payload := labapi.RegisterAgentRequest{
		DeviceID:                 cfg.DeviceID,
		ClassroomID:              cfg.ClassroomID,
		TenantID:                 cfg.TenantID,
		HeartbeatIntervalSeconds: int(cfg.HeartbeatInterval / time.Second),
		Capabilities:             cfg.Capabilities,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return labapi.RegisterAgentResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.ControlPlaneBaseURL, "/")+"/v1/agents/register", bytes.NewReader(body))
	if err != nil {
		return labapi.RegisterAgentResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := strings.TrimSpace(cfg.APIToken); tok != "" {
		req.Header.Set("X-Labcoord-Token", tok)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return labapi.RegisterAgentResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return labapi.RegisterAgentResponse{}, fmt.Errorf("register agent failed with status %s", resp.Status)
	}
	var out labapi.RegisterAgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return labapi.RegisterAgentResponse{}, err
	}
	if !out.Accepted || out.AgentID == "" {
		return labapi.RegisterAgentResponse{}, fmt.Errorf("register agent rejected for device %s", cfg.DeviceID)
	}
	return out, nil
}
