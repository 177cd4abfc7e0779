package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/archonlabs/archon/internal/bus"
	"github.com/archonlabs/archon/pkg/models"
)

func startEvent(requestID string, req *models.ChatRequest) *models.Event {
	return models.NewEvent(models.EventRequestStarted, requestID).
		WithMeta(MetaRequest, req)
}

func finishEvent(requestID string, steps []models.Step, final models.Message, outcome models.Outcome) *models.Event {
	ev := models.NewEvent(models.EventRequestFinished, requestID).
		WithMeta(MetaSteps, steps).
		WithMeta(MetaFinal, final)
	ev.Outcome = outcome
	return ev
}

func waitForFile(t *testing.T, path string) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil {
			return data
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("turn record %s was never written", path)
	return nil
}

func TestRecorderWritesTurnRecord(t *testing.T) {
	dir := t.TempDir()
	eventBus := bus.New(nil)
	defer eventBus.Close()

	rec, err := New(dir, eventBus, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Close()

	req := &models.ChatRequest{
		RequestID: "req-1",
		Model:     "main",
		ArrivedAt: time.Now(),
		Messages:  []models.Message{{Role: models.RoleUser, Content: "hello"}},
	}
	steps := []models.Step{{Index: 1, ResponseText: "hi there", Terminal: true}}
	final := models.Message{Role: models.RoleAssistant, Content: "hi there"}

	eventBus.Publish(startEvent("req-1", req))
	eventBus.Publish(finishEvent("req-1", steps, final, models.OutcomeCompleted))

	data := waitForFile(t, filepath.Join(dir, "req-1.json"))
	var record models.TurnRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("record is not valid JSON: %v", err)
	}
	if record.TurnID != "req-1" {
		t.Errorf("turn id = %q", record.TurnID)
	}
	if record.Outcome != models.OutcomeCompleted {
		t.Errorf("outcome = %s", record.Outcome)
	}
	if record.FinalMessage.Content != "hi there" {
		t.Errorf("final = %q", record.FinalMessage.Content)
	}
	if len(record.Steps) != 1 || record.Request.Messages[0].Content != "hello" {
		t.Errorf("record = %+v", record)
	}
}

func TestRecorderIdempotentByRequestID(t *testing.T) {
	dir := t.TempDir()
	eventBus := bus.New(nil)
	defer eventBus.Close()

	rec, err := New(dir, eventBus, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Close()

	req := &models.ChatRequest{RequestID: "req-2", Model: "main"}
	final := models.Message{Role: models.RoleAssistant, Content: "first"}

	eventBus.Publish(startEvent("req-2", req))
	eventBus.Publish(finishEvent("req-2", nil, final, models.OutcomeCompleted))
	waitForFile(t, filepath.Join(dir, "req-2.json"))

	// A duplicate finish must not clobber the record.
	second := models.Message{Role: models.RoleAssistant, Content: "second"}
	eventBus.Publish(finishEvent("req-2", nil, second, models.OutcomeModelError))
	time.Sleep(50 * time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "req-2.json"))
	if err != nil {
		t.Fatal(err)
	}
	var record models.TurnRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatal(err)
	}
	if record.FinalMessage.Content != "first" {
		t.Errorf("record was overwritten: %+v", record.FinalMessage)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
}

func TestRecorderFailedRequest(t *testing.T) {
	dir := t.TempDir()
	eventBus := bus.New(nil)
	defer eventBus.Close()

	rec, err := New(dir, eventBus, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Close()

	eventBus.Publish(startEvent("req-3", &models.ChatRequest{RequestID: "req-3"}))
	ev := models.NewEvent(models.EventRequestFailed, "req-3")
	ev.Outcome = models.OutcomeModelError
	ev.Error = "upstream down"
	eventBus.Publish(ev)

	data := waitForFile(t, filepath.Join(dir, "req-3.json"))
	var record models.TurnRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatal(err)
	}
	if record.Outcome != models.OutcomeModelError || record.Error != "upstream down" {
		t.Errorf("record = %+v", record)
	}
}

func TestRecorderReady(t *testing.T) {
	dir := t.TempDir()
	eventBus := bus.New(nil)
	defer eventBus.Close()

	rec, err := New(dir, eventBus, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Close()

	if !rec.Ready() {
		t.Error("writable dir should be ready")
	}
}
