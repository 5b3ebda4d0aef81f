package queue

import (
	"context"
	"testing"
	"time"

	"pitch-pipeline/internal/models"
)

func TestEnqueueRequiresType(t *testing.T) {
	q := New(nil)
	if _, err := q.Enqueue(context.Background(), EnqueueParams{}); err == nil {
		t.Fatal("expected error for missing job type")
	}
}

func TestSortByPriorityOrdersFIFOWithinClass(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	jobs := []models.Job{
		{ID: "low-late", Priority: models.PriorityLow, ScheduledAt: base.Add(2 * time.Second)},
		{ID: "high-late", Priority: models.PriorityHigh, ScheduledAt: base.Add(time.Second)},
		{ID: "low-early", Priority: models.PriorityLow, ScheduledAt: base},
		{ID: "high-early", Priority: models.PriorityHigh, ScheduledAt: base},
	}
	sortByPriority(jobs)

	want := []string{"high-early", "high-late", "low-early", "low-late"}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, jobs[i].ID)
		}
	}
}
