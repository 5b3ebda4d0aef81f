package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pitch-pipeline/internal/export"
	"pitch-pipeline/internal/models"
)

type rowExporter interface {
	Export(ctx context.Context, row export.Row) error
}

// ExportHandler pushes a completed submission to the spreadsheet sink.
// Failures are retried by the queue at low priority and never surface to
// the user.
type ExportHandler struct {
	store    pitchStore
	exporter rowExporter
	logger   *zap.SugaredLogger
}

// NewExportHandler wires the export leg.
func NewExportHandler(st pitchStore, ex rowExporter, logger *zap.SugaredLogger) *ExportHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ExportHandler{store: st, exporter: ex, logger: logger}
}

// Handle exports the record referenced by the job.
func (h *ExportHandler) Handle(ctx context.Context, job models.Job) error {
	if job.RecordID == "" {
		return fmt.Errorf("export job %s has no record_id", job.ID)
	}
	pitch, err := h.store.GetPitch(ctx, job.RecordID)
	if err != nil {
		return fmt.Errorf("load pitch %s: %w", job.RecordID, err)
	}
	if pitch.Output == nil {
		return fmt.Errorf("pitch %s has no output to export", pitch.ID)
	}

	row := export.Row{
		RecordID:    pitch.ID,
		Name:        pitch.Name,
		WhatsApp:    pitch.WhatsApp,
		Company:     pitch.Company,
		Category:    pitch.Category,
		USP:         pitch.USP,
		SpecificAsk: pitch.SpecificAsk,
		Output:      *pitch.Output,
		GeneratedAt: time.Now().UTC(),
	}
	if err := h.exporter.Export(ctx, row); err != nil {
		return fmt.Errorf("export pitch %s: %w", pitch.ID, err)
	}
	h.logger.Debugw("pitch exported", "record_id", pitch.ID)
	return nil
}
