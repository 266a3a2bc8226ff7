package notebook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/labcoord/pkg/labapi"
)

// EmitFunc delivers one execution event to the control plane. Sequence
// numbers are assigned by the caller, not the runner.
type EmitFunc func(eventType string, payload map[string]any) error

// Runner walks a dispatched notebook cell by cell and reports progress
// through the emit callback. Execution is simulated: each cell burns
// CellDuration and produces a deterministic output record.
type Runner struct {
	Cells        int
	CellDuration time.Duration
}

func New(cells int, cellDuration time.Duration) *Runner {
	if cells <= 0 {
		cells = 1
	}
	return &Runner{Cells: cells, CellDuration: cellDuration}
}

func (r *Runner) Run(ctx context.Context, cmd labapi.StartLabCommand, emit EmitFunc) error {
	if err := emit("log", map[string]any{
		"message": "notebook " + cmd.NotebookURL + " loaded, checksum " + cmd.NotebookChecksum,
	}); err != nil {
		return err
	}

	outputs := make([]map[string]any, 0, r.Cells)
	for i := 1; i <= r.Cells; i++ {
		if err := sleepCtx(ctx, r.CellDuration); err != nil {
			return err
		}
		progress := float64(i) / float64(r.Cells) * 100.0
		output := map[string]any{
			"cell_index": i,
			"result":     "ok",
		}
		outputs = append(outputs, output)
		if err := emit("cell_completed", map[string]any{
			"cell_index":   i,
			"progress_pct": progress,
			"duration_ms":  r.CellDuration.Milliseconds(),
		}); err != nil {
			return err
		}
	}

	content, err := renderOutput(cmd, outputs)
	if err != nil {
		return fmt.Errorf("render notebook output: %w", err)
	}
	return emit("artifact", map[string]any{
		"name":          "notebook-output.ipynb",
		"artifact_type": "notebook",
		"content":       content,
	})
}

func renderOutput(cmd labapi.StartLabCommand, outputs []map[string]any) (string, error) {
	doc := map[string]any{
		"lab_run_id":   cmd.LabRunID,
		"session_id":   cmd.SessionID,
		"notebook_url": cmd.NotebookURL,
		"cells":        outputs,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
