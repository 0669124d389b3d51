package fire

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ListByDate returns detections within the half-open day window [day, day+1).
func (r *Repository) ListByDate(ctx context.Context, day time.Time) ([]Detection, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, latitude, longitude, address, source, confidence, detected_at, image_data, created_at, updated_at
		FROM fire_detections
		WHERE detected_at >= $1 AND detected_at < $2
		ORDER BY detected_at DESC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query detections by date: %w", err)
	}
	defer rows.Close()

	return scanDetections(rows)
}

func (r *Repository) Create(ctx context.Context, input DetectionInput) (Detection, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Detection{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	d := Detection{
		ID:         id.String(),
		Latitude:   input.Latitude,
		Longitude:  input.Longitude,
		Address:    input.Address,
		Source:     input.Source,
		Confidence: input.Confidence,
		DetectedAt: input.DetectedAt.UTC(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fire_detections (id, latitude, longitude, address, source, confidence, detected_at, image_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '', $8, $8)
	`, d.ID, d.Latitude, d.Longitude, d.Address, d.Source, d.Confidence, d.DetectedAt, now)
	if err != nil {
		return Detection{}, fmt.Errorf("insert detection: %w", err)
	}

	return d, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM fire_detections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete detection: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (r *Repository) SetImage(ctx context.Context, id, imageBase64 string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE fire_detections
		SET image_data = $2, updated_at = $3
		WHERE id = $1
	`, id, imageBase64, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set detection image: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// ListMissingImagery returns the oldest detections that have no snapshot yet.
func (r *Repository) ListMissingImagery(ctx context.Context, limit int) ([]Detection, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, latitude, longitude, address, source, confidence, detected_at, image_data, created_at, updated_at
		FROM fire_detections
		WHERE image_data = ''
		ORDER BY detected_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query detections missing imagery: %w", err)
	}
	defer rows.Close()

	return scanDetections(rows)
}

// ListRecent returns detections observed since the cutoff, used to verify
// crowd reports against known fires.
func (r *Repository) ListRecent(ctx context.Context, since time.Time) ([]Detection, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, latitude, longitude, address, source, confidence, detected_at, image_data, created_at, updated_at
		FROM fire_detections
		WHERE detected_at >= $1
		ORDER BY detected_at DESC
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query recent detections: %w", err)
	}
	defer rows.Close()

	return scanDetections(rows)
}

func scanDetections(rows *sql.Rows) ([]Detection, error) {
	detections := make([]Detection, 0)
	for rows.Next() {
		var d Detection
		if err := rows.Scan(&d.ID, &d.Latitude, &d.Longitude, &d.Address, &d.Source, &d.Confidence,
			&d.DetectedAt, &d.ImageData, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		detections = append(detections, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}

	return detections, nil
}
