package export

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pitch-pipeline/internal/config"
)

func sampleRow() Row {
	return Row{
		RecordID:    "rec-1",
		Name:        "A",
		Company:     "Acme",
		Category:    "SaaS",
		USP:         "fast onboarding",
		SpecificAsk: "investors",
		Output:      "We are Acme.",
		GeneratedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestExportPostsWebhook(t *testing.T) {
	var got Row
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode row: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, err := New(context.Background(), config.Config{ExportWebhookURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	if err := e.Export(context.Background(), sampleRow()); err != nil {
		t.Fatalf("export: %v", err)
	}
	if got.RecordID != "rec-1" || got.Output != "We are Acme." {
		t.Fatalf("unexpected row delivered: %+v", got)
	}
}

func TestExportWebhookErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e, err := New(context.Background(), config.Config{ExportWebhookURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	if err := e.Export(context.Background(), sampleRow()); err == nil {
		t.Fatal("expected error so the queue retries the export job")
	}
}

func TestExportNoSinkIsNoop(t *testing.T) {
	e, err := New(context.Background(), config.Config{}, nil)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	if err := e.Export(context.Background(), sampleRow()); err != nil {
		t.Fatalf("no-sink export must be a noop, got %v", err)
	}
}
