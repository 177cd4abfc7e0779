// Package recorder persists one turn record per completed request. It is a
// bus subscriber: components publish events, the recorder is the only writer
// of durable records.
package recorder

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/archonlabs/archon/internal/bus"
	"github.com/archonlabs/archon/pkg/models"
)

// Meta keys on request lifecycle events that carry the turn payload.
const (
	MetaRequest = "request"
	MetaSteps   = "steps"
	MetaFinal   = "final"
)

// Recorder assembles turn records from bus events and writes one JSON file
// per turn.
type Recorder struct {
	dir    string
	sub    *bus.Subscription
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*models.TurnRecord
	written map[string]struct{}

	done chan struct{}
}

// New starts a Recorder consuming the bus. The sessions directory is created
// if missing.
func New(dir string, eventBus *bus.Bus, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions dir: %w", err)
	}
	r := &Recorder{
		dir:     dir,
		sub:     eventBus.Subscribe(256),
		logger:  logger.With("component", "recorder"),
		pending: make(map[string]*models.TurnRecord),
		written: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	go r.run()
	return r, nil
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.sub.C {
		r.handle(ev)
	}
}

func (r *Recorder) handle(ev *models.Event) {
	switch ev.Type {
	case models.EventRequestStarted:
		req, ok := ev.Meta[MetaRequest].(*models.ChatRequest)
		if !ok {
			return
		}
		r.mu.Lock()
		r.pending[ev.RequestID] = &models.TurnRecord{
			TurnID:    ev.RequestID,
			ArrivedAt: req.ArrivedAt,
			Request:   *req,
		}
		r.mu.Unlock()

	case models.EventRequestFinished, models.EventRequestFailed:
		r.finish(ev)
	}
}

func (r *Recorder) finish(ev *models.Event) {
	r.mu.Lock()
	record, ok := r.pending[ev.RequestID]
	delete(r.pending, ev.RequestID)
	if _, dup := r.written[ev.RequestID]; dup {
		r.mu.Unlock()
		return
	}
	r.written[ev.RequestID] = struct{}{}
	r.mu.Unlock()

	if !ok {
		record = &models.TurnRecord{TurnID: ev.RequestID}
	}
	record.CompletedAt = time.Now()
	record.Outcome = ev.Outcome
	record.Error = ev.Error
	if steps, ok := ev.Meta[MetaSteps].([]models.Step); ok {
		record.Steps = steps
	}
	if final, ok := ev.Meta[MetaFinal].(models.Message); ok {
		record.FinalMessage = final
	}

	if err := r.write(record); err != nil {
		r.logger.Error("writing turn record", "request_id", ev.RequestID, "error", err)
	}
}

// write persists the record atomically. An existing file for the same turn id
// is left untouched.
func (r *Recorder) write(record *models.TurnRecord) error {
	path := filepath.Join(r.dir, record.TurnID+".json")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding turn record: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Ready reports whether the sessions directory is writable.
func (r *Recorder) Ready() bool {
	probe := filepath.Join(r.dir, ".probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return false
	}
	os.Remove(probe)
	return true
}

// Close detaches from the bus and waits for in-flight handling to drain.
func (r *Recorder) Close() {
	r.sub.Cancel()
	<-r.done
}
