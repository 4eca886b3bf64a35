// ABOUTME: Incremental traversal store: appends brain states and actions, persisting atomically after each.
// ABOUTME: A crash mid-run leaves the last fully written snapshot on disk, never a torn file.

package traversal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Run status values persisted in the traversal file.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// StoreEventType classifies store observer events.
type StoreEventType string

const (
	StoreEventBrainState StoreEventType = "brain_state_appended"
	StoreEventAction     StoreEventType = "action_appended"
	StoreEventSealed     StoreEventType = "sealed"
)

// StoreEvent notifies observers of store progress. Delivery is best effort:
// a slow subscriber drops events rather than stalling the recording run.
type StoreEvent struct {
	Type         StoreEventType
	RunID        string
	BrainStateID string
	ActionKey    string
	Status       string
	Timestamp    time.Time
}

// Meta describes the run a Store is about to record.
type Meta struct {
	TestCase          string
	ExtraInstructions []string
	BrowserConfig     BrowserConfig
	Secrets           map[string]string
	IOSchema          *IOSchema
}

// Store records one traversal incrementally. Every append rewrites the file
// through a temp-file rename, so the on-disk traversal is always valid JSON
// covering everything up to the last completed append.
type Store struct {
	mu        sync.Mutex
	dir       string
	runID     string
	path      string
	screenDir string
	tr        *Traversal
	sealed    bool
	subs      []chan StoreEvent
}

// NewStore creates the run directory entry and writes the initial traversal
// file. The run ID is a ULID; the filename embeds the wall-clock start time:
// traverse_<YYYYMMDD>_<HHMMSS>_<run_id>.json.
func NewStore(dir string, meta Meta) (*Store, error) {
	if meta.TestCase == "" {
		return nil, fmt.Errorf("test case must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating traversal dir: %w", err)
	}

	runID := ulid.Make().String()
	now := time.Now()
	name := fmt.Sprintf("traverse_%s_%s_%s.json", now.Format("20060102"), now.Format("150405"), runID)

	s := &Store{
		dir:       dir,
		runID:     runID,
		path:      filepath.Join(dir, name),
		screenDir: filepath.Join(dir, runID),
		tr: &Traversal{
			TestCase:          meta.TestCase,
			ExtraInstructions: meta.ExtraInstructions,
			Status:            StatusRunning,
			BrowserConfig:     meta.BrowserConfig,
			Secrets:           meta.Secrets,
			IOSchema:          meta.IOSchema,
		},
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}

// RunID returns the ULID identifying this run.
func (s *Store) RunID() string { return s.runID }

// Path returns the traversal file path.
func (s *Store) Path() string { return s.path }

// ScreenshotsDir returns the directory screenshots are saved under. It is
// created lazily on the first SaveScreenshot.
func (s *Store) ScreenshotsDir() string { return s.screenDir }

// ActionCount returns the number of actions recorded so far.
func (s *Store) ActionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tr.Actions)
}

// Subscribe returns a channel of store events. Events are dropped, not
// blocked on, when the subscriber falls behind.
func (s *Store) Subscribe() <-chan StoreEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan StoreEvent, 64)
	s.subs = append(s.subs, ch)
	return ch
}

// AppendBrainState appends a reasoning snapshot and persists. A missing ID is
// assigned a fresh ULID; the assigned ID is returned either way.
func (s *Store) AppendBrainState(bs BrainState) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return "", fmt.Errorf("store is sealed")
	}
	if bs.ID == "" {
		bs.ID = ulid.Make().String()
	}
	for _, existing := range s.tr.BrainStates {
		if existing.ID == bs.ID {
			return "", fmt.Errorf("duplicate brain state id %s", bs.ID)
		}
	}
	s.tr.BrainStates = append(s.tr.BrainStates, bs)
	if err := s.persist(); err != nil {
		s.tr.BrainStates = s.tr.BrainStates[:len(s.tr.BrainStates)-1]
		return "", err
	}
	s.emit(StoreEvent{Type: StoreEventBrainState, BrainStateID: bs.ID})
	return bs.ID, nil
}

// AppendAction appends an extended action and persists. It enforces the
// recording invariants: the referenced brain state must already be recorded,
// and element data must be present exactly on selector-oriented kinds.
func (s *Store) AppendAction(ea ExtendedAction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return "", fmt.Errorf("store is sealed")
	}
	if !ea.Action.Kind.Valid() {
		return "", fmt.Errorf("unknown action kind %q", ea.Action.Kind)
	}
	found := false
	for _, bs := range s.tr.BrainStates {
		if bs.ID == ea.BrainStateID {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("brain state %q not recorded before action", ea.BrainStateID)
	}
	// Selector-oriented actions normally carry element data; a nil value is
	// tolerated as a degraded record when the index vanished before
	// enrichment. The reverse is never valid.
	if !ea.Action.Kind.SelectorOriented() && ea.DOMElementData != nil {
		return "", fmt.Errorf("%s must not carry dom_element_data", ea.Action.Kind)
	}
	if ea.DOMElementData != nil && ea.DOMElementData.XPath == "" {
		return "", fmt.Errorf("dom_element_data requires xpath")
	}

	s.tr.Actions = append(s.tr.Actions, ea)
	key := ActionKey(len(s.tr.Actions) - 1)
	if err := s.persist(); err != nil {
		s.tr.Actions = s.tr.Actions[:len(s.tr.Actions)-1]
		return "", err
	}
	s.emit(StoreEvent{Type: StoreEventAction, ActionKey: key, BrainStateID: ea.BrainStateID})
	return key, nil
}

// SetExtracted merges extracted output values into the traversal and persists.
func (s *Store) SetExtracted(data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return fmt.Errorf("store is sealed")
	}
	if s.tr.ExtractedData == nil {
		s.tr.ExtractedData = make(map[string]string, len(data))
	}
	for k, v := range data {
		s.tr.ExtractedData[k] = v
	}
	return s.persist()
}

// SaveScreenshot writes screenshot bytes under the run's screenshot directory
// and returns the filename to record on the action.
func (s *Store) SaveScreenshot(actionIndex int, kind Kind, data []byte) (string, error) {
	if err := os.MkdirAll(s.screenDir, 0o755); err != nil {
		return "", fmt.Errorf("creating screenshots dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.png", ActionKey(actionIndex), kind)
	if err := os.WriteFile(filepath.Join(s.screenDir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("writing screenshot: %w", err)
	}
	return name, nil
}

// Seal records the final run status and closes the store. Further appends
// fail; subscriber channels are closed after the sealed event.
func (s *Store) Seal(status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return fmt.Errorf("store already sealed")
	}
	s.tr.Status = status
	if err := s.persist(); err != nil {
		return err
	}
	s.sealed = true
	s.emit(StoreEvent{Type: StoreEventSealed, Status: status})
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	return nil
}

// Snapshot returns a copy of the current traversal safe to read concurrently
// with appends. Slices are copied; map values are shared read-only.
func (s *Store) Snapshot() *Traversal {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.tr
	cp.BrainStates = append([]BrainState(nil), s.tr.BrainStates...)
	cp.Actions = append([]ExtendedAction(nil), s.tr.Actions...)
	return &cp
}

// persist writes the traversal atomically. Callers hold s.mu.
func (s *Store) persist() error {
	return writeJSONAtomic(s.path, s.tr)
}

// emit sends to every subscriber without blocking. Callers hold s.mu.
func (s *Store) emit(ev StoreEvent) {
	ev.RunID = s.runID
	ev.Timestamp = time.Now()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
