package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mercator-hq/callisto/pkg/trace"
)

func TestCounters(t *testing.T) {
	s := New(Config{Path: filepath.Join(t.TempDir(), "state.json")}, "s1")

	s.EventProcessed(trace.TypeHTTPRequestStart)
	s.EventProcessed(trace.TypeHTTPSConnectComplete)
	s.EventProcessed(trace.TypeFileWriteComplete)
	s.EventProcessed(trace.TypeToolExecution)
	s.EventProcessed(trace.TypeHTTPRequestError)
	s.DuplicateFiltered()
	s.ValidationFailed()

	snap := s.Current()
	if snap.EventsProcessed != 5 {
		t.Errorf("EventsProcessed = %d, want 5", snap.EventsProcessed)
	}
	if snap.HTTPRequests != 3 {
		t.Errorf("HTTPRequests = %d, want 3", snap.HTTPRequests)
	}
	if snap.FileOperations != 1 {
		t.Errorf("FileOperations = %d, want 1", snap.FileOperations)
	}
	if snap.ToolExecutions != 1 {
		t.Errorf("ToolExecutions = %d, want 1", snap.ToolExecutions)
	}
	if snap.DuplicatesFiltered != 1 {
		t.Errorf("DuplicatesFiltered = %d, want 1", snap.DuplicatesFiltered)
	}
	if snap.Errors != 2 {
		t.Errorf("Errors = %d, want 2 (one error event, one validation failure)", snap.Errors)
	}
}

func TestSnapshotFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(Config{Path: path}, "s1")

	s.EventProcessed(trace.TypeBashCommand)
	s.SetComponent("proxy", "running", 0)
	s.SetComponent("wrapped_binary", "running", 4242)
	s.WriteSnapshot()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if snap.SessionID != "s1" {
		t.Errorf("session id = %q, want s1", snap.SessionID)
	}
	if len(snap.Components) != 2 {
		t.Fatalf("components = %d, want 2", len(snap.Components))
	}
	// Components are sorted by name.
	if snap.Components[0].Name != "proxy" || snap.Components[1].Name != "wrapped_binary" {
		t.Errorf("component order = %s, %s", snap.Components[0].Name, snap.Components[1].Name)
	}
	if snap.Components[1].PID != 4242 {
		t.Errorf("wrapped_binary pid = %d, want 4242", snap.Components[1].PID)
	}

	// duplicatesFiltered stays camel-cased; the other keys are snake_case.
	var raw map[string]any
	json.Unmarshal(data, &raw)
	if _, ok := raw["duplicatesFiltered"]; !ok {
		t.Error("duplicatesFiltered key missing from snapshot")
	}
	if _, ok := raw["events_processed"]; !ok {
		t.Error("events_processed key missing from snapshot")
	}
}

func TestRecoverMergesPreviousState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	first := New(Config{Path: path}, "s1")
	first.EventProcessed(trace.TypeBashCommand)
	first.EventProcessed(trace.TypeBashCommand)
	first.DuplicateFiltered()
	first.WriteSnapshot()

	resumed := New(Config{Path: path}, "s1")
	snap := resumed.Current()
	if snap.EventsProcessed != 2 {
		t.Errorf("resumed EventsProcessed = %d, want 2", snap.EventsProcessed)
	}
	if snap.DuplicatesFiltered != 1 {
		t.Errorf("resumed DuplicatesFiltered = %d, want 1", snap.DuplicatesFiltered)
	}
	if resumed.Status() != trace.StatusActive {
		t.Errorf("resumed status = %s, want active", resumed.Status())
	}
}

func TestStatusMonotonic(t *testing.T) {
	s := New(Config{Path: filepath.Join(t.TempDir(), "state.json")}, "s1")

	if err := s.SetStatus(trace.StatusActive); err != nil {
		t.Fatalf("initializing -> active rejected: %v", err)
	}
	if err := s.SetStatus(trace.StatusFinalizing); err != nil {
		t.Fatalf("active -> finalizing rejected: %v", err)
	}
	if err := s.SetStatus(trace.StatusCompleted); err != nil {
		t.Fatalf("finalizing -> completed rejected: %v", err)
	}
	if err := s.SetStatus(trace.StatusActive); err == nil {
		t.Error("completed -> active accepted")
	}
}

func TestRunSnapshotsOnStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(Config{Path: path, SnapshotInterval: time.Hour}, "s1")

	stop := make(chan struct{})
	go s.Run(stop)
	s.EventProcessed(trace.TypeBashCommand)
	close(stop)
	s.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("final snapshot not written: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if snap.EventsProcessed != 1 {
		t.Errorf("EventsProcessed = %d, want 1", snap.EventsProcessed)
	}
}
