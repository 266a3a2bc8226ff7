package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DeviceID            string
	ClassroomID         string
	TenantID            string
	ControlPlaneBaseURL string
	APIToken            string
	Capabilities        []string
	HeartbeatInterval   time.Duration
	PollInterval        time.Duration
	MaxCommandsPerPoll  int
	NotebookCells       int
	CellDuration        time.Duration
}

func FromEnv() Config {
	deviceID := getenv("LABCOORD_AGENT_DEVICE_ID", "device-local")
	classroomID := getenv("LABCOORD_AGENT_CLASSROOM_ID", "classroom-local")
	tenantID := getenv("LABCOORD_AGENT_TENANT_ID", "")
	baseURL := getenv("LABCOORD_CONTROL_PLANE_URL", "http://localhost:8080")
	apiToken := getenv("LABCOORD_AGENT_TOKEN", "")
	capabilities := splitList(getenv("LABCOORD_AGENT_CAPABILITIES", "python,jupyter"))
	hbSec := getenvInt("LABCOORD_AGENT_HEARTBEAT_SECONDS", 5)
	pollMs := getenvInt("LABCOORD_AGENT_POLL_MILLIS", 1500)
	maxCommands := getenvInt("LABCOORD_AGENT_MAX_COMMANDS", 4)
	cells := getenvInt("LABCOORD_AGENT_NOTEBOOK_CELLS", 4)
	cellMs := getenvInt("LABCOORD_AGENT_CELL_MILLIS", 250)

	return Config{
		DeviceID:            deviceID,
		ClassroomID:         classroomID,
		TenantID:            tenantID,
		ControlPlaneBaseURL: baseURL,
		APIToken:            apiToken,
		Capabilities:        capabilities,
		HeartbeatInterval:   time.Duration(hbSec) * time.Second,
		PollInterval:        time.Duration(pollMs) * time.Millisecond,
		MaxCommandsPerPoll:  maxCommands,
		NotebookCells:       cells,
		CellDuration:        time.Duration(cellMs) * time.Millisecond,
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
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
