package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/labcoord/pkg/labapi"
)

// Client posts periodic heartbeats for a registered agent. Status flips to
// busy while a lab session is attached.
type Client struct {
	baseURL    string
	agentID    string
	apiToken   string
	interval   time.Duration
	httpClient *http.Client

	mu        sync.Mutex
	sessionID string
}

func New(baseURL, agentID, apiToken string, interval time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		agentID:    agentID,
		apiToken:   strings.TrimSpace(apiToken),
		interval:   interval,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) SetSession(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *Client) ClearSession() {
	c.SetSession("")
}

func (c *Client) Start(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.send(ctx); err != nil {
				log.Printf("heartbeat failed: %v", err)
			}
		}
	}
}

func (c *Client) send(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	status := "online"
	if sessionID != "" {
		status = "busy"
	}
	cpuUtil, memUtil := hostUtilization()
	payload := labapi.HeartbeatRequest{
		AgentID:       c.agentID,
		SessionID:     sessionID,
		Status:        status,
		CPUUsage:      cpuUtil,
		MemoryUsage:   memUtil,
		TimestampUnix: time.Now().Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := c.baseURL + "/v1/agents/" + c.agentID + "/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("X-Labcoord-Token", c.apiToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &heartbeatError{status: resp.Status}
	}
	return nil
}

type heartbeatError struct {
	status string
}

func (e *heartbeatError) Error() string {
	return "heartbeat request failed: " + e.status
}

func hostUtilization() (float64, float64) {
	return cpuUtilizationPercent(), memoryUtilizationPercent()
}

func cpuUtilizationPercent() float64 {
	// Linux loadavg-based estimate normalized by CPU cores.
	if b, err := os.ReadFile("/proc/loadavg"); err == nil {
		parts := strings.Fields(string(b))
		if len(parts) > 0 {
			if v, err := strconv.ParseFloat(parts[0], 64); err == nil {
				cpus := float64(runtime.NumCPU())
				if cpus <= 0 {
					cpus = 1
				}
				pct := (v / cpus) * 100.0
				if pct < 0 {
					pct = 0
				}
				if pct > 100 {
					pct = 100
				}
				return pct
			}
		}
	}
	return 0
}

func memoryUtilizationPercent() float64 {
	// Linux host memory from /proc/meminfo.
	if b, err := os.ReadFile("/proc/meminfo"); err == nil {
		var totalKB, availKB float64
		for _, line := range strings.Split(string(b), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			switch fields[0] {
			case "MemTotal:":
				totalKB, _ = strconv.ParseFloat(fields[1], 64)
			case "MemAvailable:":
				availKB, _ = strconv.ParseFloat(fields[1], 64)
			}
		}
		if totalKB > 0 && availKB >= 0 {
			used := ((totalKB - availKB) / totalKB) * 100.0
			if used < 0 {
				used = 0
			}
			if used > 100 {
				used = 100
			}
			return used
		}
	}
	return 0
}
