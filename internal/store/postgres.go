package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"pitch-pipeline/internal/models"
)

// ErrNotFound is returned when a pitch id does not exist. Callers treat a
// token mismatch identically so existence is never leaked.
var ErrNotFound = errors.New("record not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool so the queue can share connections.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// CreatePitchParams collects the validated form fields.
type CreatePitchParams struct {
	Name        string
	WhatsApp    string
	Company     string
	Category    string
	USP         string
	SpecificAsk string
}

// CreatePitch inserts a pitch row, minting a fresh random access token.
// The token is generated here, never rotated, and never derived from input.
func (s *Store) CreatePitch(ctx context.Context, p CreatePitchParams) (models.Pitch, error) {
	id := uuid.New().String()
	token := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO pitches (id, access_token, name, whatsapp, company, category, usp, specific_ask, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, id, token, p.Name, p.WhatsApp, p.Company, p.Category, p.USP, p.SpecificAsk, now)
	if err != nil {
		return models.Pitch{}, fmt.Errorf("insert pitch: %w", err)
	}

	return models.Pitch{
		ID:          id,
		AccessToken: token,
		Name:        p.Name,
		WhatsApp:    p.WhatsApp,
		Company:     p.Company,
		Category:    p.Category,
		USP:         p.USP,
		SpecificAsk: p.SpecificAsk,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetPitch fetches a pitch by id.
func (s *Store) GetPitch(ctx context.Context, id string) (models.Pitch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, access_token, name, whatsapp, company, category, usp, specific_ask, output, created_at, updated_at
		FROM pitches WHERE id = $1
	`, id)

	var p models.Pitch
	var output pgtype.Text
	if err := row.Scan(&p.ID, &p.AccessToken, &p.Name, &p.WhatsApp, &p.Company, &p.Category, &p.USP, &p.SpecificAsk, &output, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Pitch{}, ErrNotFound
		}
		return models.Pitch{}, fmt.Errorf("scan pitch: %w", err)
	}
	p.Output = textPtr(output)
	return p, nil
}

// SetPitchOutput writes the generated pitch onto the record. Last write wins
// when a regenerate races a late retry of the original job.
func (s *Store) SetPitchOutput(ctx context.Context, id, output string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pitches SET output = $2, updated_at = NOW() WHERE id = $1
	`, id, output)
	if err != nil {
		return fmt.Errorf("set pitch output: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearPitchOutput resets the output ahead of a user-initiated regenerate so
// polling does not short-circuit on the stale result.
func (s *Store) ClearPitchOutput(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pitches SET output = NULL, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("clear pitch output: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
