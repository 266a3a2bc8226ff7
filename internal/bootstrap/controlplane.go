package bootstrap

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/example/labcoord/internal/blob"
	"github.com/example/labcoord/internal/bus"
	"github.com/example/labcoord/internal/directory"
	"github.com/example/labcoord/internal/dispatch"
	"github.com/example/labcoord/internal/ingest"
	"github.com/example/labcoord/internal/policy"
	"github.com/example/labcoord/internal/run"
	"github.com/example/labcoord/internal/session"
	"github.com/example/labcoord/internal/state"
	"github.com/example/labcoord/internal/sweep"
	"github.com/example/labcoord/internal/template"
)

// ControlPlane bundles every wired component of the coordinator so the
// binaries share one construction path.
type ControlPlane struct {
	Store     state.Store
	Runs      *run.Coordinator
	Sessions  *session.Manager
	Directory *directory.Directory
	Policies  *policy.Engine
	Templates template.Store
	Commands  *dispatch.CommandQueue
	Planner   *dispatch.Planner
	Pipeline  *ingest.Pipeline
	Sweeper   *sweep.Sweeper
	Blobs     blob.Store
	Publisher bus.Publisher
}

func NewControlPlaneFromEnv(ctx context.Context) (*ControlPlane, error) {
	store, err := newStore(getenv("LABCOORD_STORE", "memory"))
	if err != nil {
		return nil, err
	}
	blobs, err := newBlobStore(ctx, getenv("LABCOORD_BLOB_BACKEND", "memory"))
	if err != nil {
		return nil, err
	}
	publisher, err := newPublisher(getenv("LABCOORD_BUS", "log"))
	if err != nil {
		return nil, err
	}

	runs := run.NewCoordinator(store, publisher)
	sessions := session.NewManager(store)
	dir := directory.NewDirectory(store)
	policies := policy.NewEngine(store, getenv("LABCOORD_POLICY_FALLBACK", policy.FallbackRestrictive))
	templates := template.NewMemoryStore()
	commands := dispatch.NewCommandQueue()
	planner := dispatch.NewPlanner(store, runs, sessions, dir, policies, templates, commands, publisher)
	pipeline := ingest.NewPipeline(store, sessions, blobs, publisher)
	sweeper := sweep.NewSweeper(store, sessions, runs, publisher)

	interval := getenvInt("LABCOORD_SWEEP_INTERVAL_SECONDS", 10)
	grace := getenvInt("LABCOORD_SWEEP_GRACE_SECONDS", 60)
	sweeper.SetTimings(time.Duration(interval)*time.Second, time.Duration(grace)*time.Second)

	if path := os.Getenv("LABCOORD_POLICY_FILE"); path != "" {
		seeded, err := policy.SeedFromFile(ctx, store, path)
		if err != nil {
			return nil, fmt.Errorf("seed policies from %s: %w", path, err)
		}
		log.Printf("seeded %d policies from %s", seeded, path)
	}

	return &ControlPlane{
		Store:     store,
		Runs:      runs,
		Sessions:  sessions,
		Directory: dir,
		Policies:  policies,
		Templates: templates,
		Commands:  commands,
		Planner:   planner,
		Pipeline:  pipeline,
		Sweeper:   sweeper,
		Blobs:     blobs,
		Publisher: publisher,
	}, nil
}

func newStore(kind string) (state.Store, error) {
	switch kind {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		dsn := os.Getenv("LABCOORD_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("LABCOORD_POSTGRES_DSN is required when LABCOORD_STORE=postgres")
		}
		return state.NewPostgresStore(dsn)
	case "sqlite":
		path := getenv("LABCOORD_SQLITE_PATH", "labcoord.db")
		return state.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported LABCOORD_STORE value %q", kind)
	}
}

func newBlobStore(ctx context.Context, kind string) (blob.Store, error) {
	switch kind {
	case "memory":
		return blob.NewMemoryStore(), nil
	case "minio":
		return blob.NewMinIOStore(ctx, blob.MinIOConfig{
			Endpoint:  getenv("LABCOORD_MINIO_ENDPOINT", "127.0.0.1:9000"),
			AccessKey: os.Getenv("LABCOORD_MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("LABCOORD_MINIO_SECRET_KEY"),
			Bucket:    getenv("LABCOORD_MINIO_BUCKET", "labcoord-artifacts"),
			UseSSL:    getenvBool("LABCOORD_MINIO_SSL", false),
		})
	default:
		return nil, fmt.Errorf("unsupported LABCOORD_BLOB_BACKEND value %q", kind)
	}
}

func newPublisher(kind string) (bus.Publisher, error) {
	switch kind {
	case "log":
		return bus.NewLogPublisher(), nil
	case "redis":
		return bus.NewRedisPublisher(bus.RedisPublisherConfig{
			Addr:     getenv("LABCOORD_REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("LABCOORD_REDIS_PASSWORD"),
			DB:       getenvInt("LABCOORD_REDIS_DB", 0),
			Prefix:   getenv("LABCOORD_REDIS_PREFIX", "labcoord"),
			Timeout:  3 * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported LABCOORD_BUS value %q", kind)
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}
