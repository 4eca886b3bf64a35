// ABOUTME: Per-task run history: append-only run lists plus a recomputed summary.
// ABOUTME: Files are written atomically; corrupted files are surfaced to the caller, never reset.

package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/retracehq/retrace/execerr"
	"github.com/retracehq/retrace/traversal"
)

// NavigatedRun is one AI-navigated run entry.
type NavigatedRun struct {
	RunID         string    `json:"run_id"`
	Timestamp     time.Time `json:"timestamp"`
	Status        string    `json:"status"` // success | failed | cancelled
	TraversalPath string    `json:"traversal_path"`
	ExecutionTime float64   `json:"execution_time"` // seconds
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// ReplayRun is one replay entry; it points back at the traversal it replayed.
type ReplayRun struct {
	NavigatedRun
	OriginalTraversalID string `json:"original_traversal_id"`
	HealingEnabled      bool   `json:"healing_enabled"`
	HealingHappened     bool   `json:"healing_happened"`
}

// Summary holds counters recomputed from the run lists on every write.
type Summary struct {
	TotalRuns         int       `json:"total_runs"`
	SuccessfulRuns    int       `json:"successful_runs"`
	FailedRuns        int       `json:"failed_runs"`
	TotalReplays      int       `json:"total_replays"`
	SuccessfulReplays int       `json:"successful_replays"`
	FailedReplays     int       `json:"failed_replays"`
	LastRunAt         time.Time `json:"last_run_at"`
}

// File is the persisted per-task history document.
type File struct {
	TaskID          string         `json:"task_id"`
	AINavigatedRuns []NavigatedRun `json:"ai_navigated_runs"`
	ReplayRuns      []ReplayRun    `json:"replay_runs"`
	Summary         Summary        `json:"summary"`
}

// Path returns the history file path for a task.
func Path(dir, taskID string) string {
	return filepath.Join(dir, taskID+"_history.json")
}

// Load reads a task's history. A missing file yields an empty File; a file
// that exists but cannot be parsed is a validation error the caller must see,
// because resetting it would silently erase the audit trail.
func Load(dir, taskID string) (*File, error) {
	path := Path(dir, taskID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &File{TaskID: taskID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, execerr.Wrap(execerr.KindValidation, fmt.Sprintf("history file %s is corrupted", filepath.Base(path)), err).
			WithSuggestion("inspect or move the file aside; it will not be overwritten automatically")
	}
	if f.TaskID == "" {
		f.TaskID = taskID
	}
	return &f, nil
}

// AppendNavigated appends an AI-navigated run entry and rewrites the file.
func AppendNavigated(dir, taskID string, run NavigatedRun) error {
	return update(dir, taskID, func(f *File) {
		f.AINavigatedRuns = append(f.AINavigatedRuns, run)
	})
}

// AppendReplay appends a replay run entry and rewrites the file.
func AppendReplay(dir, taskID string, run ReplayRun) error {
	return update(dir, taskID, func(f *File) {
		f.ReplayRuns = append(f.ReplayRuns, run)
	})
}

func update(dir, taskID string, mutate func(*File)) error {
	if taskID == "" {
		return fmt.Errorf("history requires a task id")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating history dir: %w", err)
	}
	f, err := Load(dir, taskID)
	if err != nil {
		return err
	}
	mutate(f)
	f.Summary = recompute(f)
	return writeJSONAtomic(Path(dir, taskID), f)
}

// recompute derives the summary counters from scratch; the run lists are the
// source of truth.
func recompute(f *File) Summary {
	var s Summary
	s.TotalRuns = len(f.AINavigatedRuns)
	s.TotalReplays = len(f.ReplayRuns)
	for _, r := range f.AINavigatedRuns {
		switch r.Status {
		case traversal.StatusSuccess:
			s.SuccessfulRuns++
		case traversal.StatusFailed:
			s.FailedRuns++
		}
		if r.Timestamp.After(s.LastRunAt) {
			s.LastRunAt = r.Timestamp
		}
	}
	for _, r := range f.ReplayRuns {
		switch r.Status {
		case traversal.StatusSuccess:
			s.SuccessfulReplays++
		case traversal.StatusFailed:
			s.FailedReplays++
		}
		if r.Timestamp.After(s.LastRunAt) {
			s.LastRunAt = r.Timestamp
		}
	}
	return s
}

// writeJSONAtomic writes via temp file + rename; the rename is the commit
// point.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
