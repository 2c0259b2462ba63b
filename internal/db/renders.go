package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bobarin/ttsfx/internal/models"
)

var ErrRenderNotFound = errors.New("render not found")

// CreateRender records the outcome of one pipeline run. A second record for
// the same id overwrites the first.
func (db *DB) CreateRender(ctx context.Context, render *models.Render) error {
	query := `
		INSERT INTO renders (
			id, text, voice, status, output_path, output_format,
			duration, failed_stage, error_message, effects, public_url
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			output_path = EXCLUDED.output_path,
			duration = EXCLUDED.duration,
			failed_stage = EXCLUDED.failed_stage,
			error_message = EXCLUDED.error_message,
			public_url = EXCLUDED.public_url
		RETURNING created_at
	`

	return db.QueryRowContext(
		ctx, query,
		render.ID, render.Text, render.Voice, render.Status, render.OutputPath,
		render.OutputFormat, render.Duration, render.FailedStage, render.ErrorMessage,
		render.Effects, render.PublicURL,
	).Scan(&render.CreatedAt)
}

func (db *DB) GetRender(ctx context.Context, id string) (*models.Render, error) {
	query := `
		SELECT
			id, text, voice, status, output_path, output_format,
			duration, failed_stage, error_message, effects, public_url, created_at
		FROM renders
		WHERE id = $1
	`

	render := &models.Render{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&render.ID, &render.Text, &render.Voice, &render.Status, &render.OutputPath,
		&render.OutputFormat, &render.Duration, &render.FailedStage, &render.ErrorMessage,
		&render.Effects, &render.PublicURL, &render.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRenderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get render: %w", err)
	}

	return render, nil
}

// ListRenders returns the newest renders first.
func (db *DB) ListRenders(ctx context.Context, limit, offset int) ([]models.Render, error) {
	query := `
		SELECT
			id, text, voice, status, output_path, output_format,
			duration, failed_stage, error_message, effects, public_url, created_at
		FROM renders
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query renders: %w", err)
	}
	defer rows.Close()

	renders := []models.Render{}
	for rows.Next() {
		var render models.Render
		err := rows.Scan(
			&render.ID, &render.Text, &render.Voice, &render.Status, &render.OutputPath,
			&render.OutputFormat, &render.Duration, &render.FailedStage, &render.ErrorMessage,
			&render.Effects, &render.PublicURL, &render.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan render: %w", err)
		}
		renders = append(renders, render)
	}

	return renders, rows.Err()
}
