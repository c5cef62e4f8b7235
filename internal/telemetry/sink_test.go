package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"trading-engine/internal/events"
)

func TestSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	sink, err := NewSink(path)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}

	bus := events.NewBus()
	sink.Attach(bus)

	bus.PublishRiskReject("trend-1", "mock", "BTCUSDT", "rate_limited", 5000)
	bus.PublishModelPromoted("v9", "v8")

	// External subscribers are async; wait for the lines to land
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if countLines(t, path) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	bus.Close()
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		var obj map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &obj); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		if _, ok := obj["topic"]; !ok {
			t.Errorf("line %d missing topic: %v", lines, obj)
		}
	}
	if lines != 2 {
		t.Errorf("expected 2 lines, got %d", lines)
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var n int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	return n
}
