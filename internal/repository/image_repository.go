package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/basel-ax/streamgen/internal/domain"
)

const uniqueViolation = "23505"

// ImageRepository defines the interface for batch and image data access
type ImageRepository interface {
	CreateGenerationRecord(ctx context.Context, batch domain.Batch, img *domain.GenerationImage) (int64, error)
	PromoteMainImage(ctx context.Context, batchID string, imageNumber int) error
	ListBatchImages(ctx context.Context, batchID string) ([]domain.GenerationImage, error)
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)
	ListMissingThumbnails(ctx context.Context, limit int) ([]domain.GenerationImage, error)
	MarkThumbnail(ctx context.Context, id int64) error
}

// PostgresImageRepository implements ImageRepository for PostgreSQL
type PostgresImageRepository struct {
	db *sql.DB
}

// NewPostgresImageRepository creates a new PostgreSQL image repository
func NewPostgresImageRepository(db *sql.DB) *PostgresImageRepository {
	return &PostgresImageRepository{db: db}
}

// CreateGenerationRecord inserts one image row together with its batch row.
// Both are written in one transaction, so a batch never exists without at
// least one image. The batch row is locked for the duration of the insert so
// that exactly one image per batch ends up as the main image: the first one
// persisted. img.IsMainImage, ID and CreatedAt are set from the stored row.
func (r *PostgresImageRepository) CreateGenerationRecord(ctx context.Context, batch domain.Batch, img *domain.GenerationImage) (int64, error) {
	if img.BatchID != batch.ID {
		return 0, fmt.Errorf("image belongs to batch %q, not %q", img.BatchID, batch.ID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertBatch(ctx, tx, batch); err != nil {
		return 0, err
	}

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT batch_id FROM batches WHERE batch_id = $1 FOR UPDATE`, img.BatchID).Scan(&locked)
	if err != nil {
		return 0, fmt.Errorf("failed to lock batch %s: %w", img.BatchID, err)
	}

	var hasMain bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM generation_images WHERE batch_id = $1 AND is_main_image)
	`, img.BatchID).Scan(&hasMain)
	if err != nil {
		return 0, fmt.Errorf("failed to check main image for batch %s: %w", img.BatchID, err)
	}

	query := `
		INSERT INTO generation_images (
			batch_id, image_number, filename, is_main_image, reference_image_count,
			width, height, aspect_class, cost_cents, quality, has_thumbnail
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`

	isMain := !hasMain
	err = tx.QueryRowContext(ctx, query,
		img.BatchID,
		img.ImageNumber,
		img.Filename,
		isMain,
		img.ReferenceImageCount,
		img.Width,
		img.Height,
		img.AspectClass,
		img.CostCents,
		img.Quality,
		img.HasThumbnail,
	).Scan(&img.ID, &img.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, fmt.Errorf("batch %s image %d: %w", img.BatchID, img.ImageNumber, domain.ErrDuplicateSlot)
		}
		return 0, fmt.Errorf("failed to insert generation image: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit generation image: %w", err)
	}

	img.IsMainImage = isMain
	return img.ID, nil
}

// insertBatch writes the batch row unless a sibling slot already did
func insertBatch(ctx context.Context, tx *sql.Tx, batch domain.Batch) error {
	query := `
		INSERT INTO batches (batch_id, user_id, prompt, mode, quality, requested_count, is_private, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (batch_id) DO NOTHING
	`

	createdAt := batch.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := tx.ExecContext(ctx, query,
		batch.ID,
		batch.UserID,
		batch.Prompt,
		string(batch.Mode),
		batch.Quality,
		batch.RequestedCount,
		batch.IsPrivate,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch %s: %w", batch.ID, err)
	}
	return nil
}

// PromoteMainImage makes imageNumber the main image of the batch
func (r *PostgresImageRepository) PromoteMainImage(ctx context.Context, batchID string, imageNumber int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM generation_images
		WHERE batch_id = $1 AND image_number = $2
		FOR UPDATE
	`, batchID, imageNumber).Scan(&id)
	if err == sql.ErrNoRows {
		return fmt.Errorf("batch %s image %d: %w", batchID, imageNumber, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock target image: %w", err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE generation_images
		SET is_main_image = FALSE, updated_at = $1
		WHERE batch_id = $2 AND is_main_image AND id <> $3
	`, now, batchID, id); err != nil {
		return fmt.Errorf("failed to clear main image: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE generation_images
		SET is_main_image = TRUE, updated_at = $1
		WHERE id = $2
	`, now, id); err != nil {
		return fmt.Errorf("failed to set main image: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit promotion: %w", err)
	}
	return nil
}

const imageColumns = `
	id, batch_id, image_number, filename, is_main_image, reference_image_count,
	width, height, aspect_class, cost_cents, quality, has_thumbnail, created_at
`

// ListBatchImages returns the persisted images of a batch ordered by slot
func (r *PostgresImageRepository) ListBatchImages(ctx context.Context, batchID string) ([]domain.GenerationImage, error) {
	query := `SELECT ` + imageColumns + `
		FROM generation_images
		WHERE batch_id = $1
		ORDER BY image_number ASC
	`
	return r.queryImages(ctx, query, batchID)
}

// GetBatch retrieves a batch by id
func (r *PostgresImageRepository) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	query := `
		SELECT batch_id, user_id, prompt, mode, quality, requested_count, is_private, created_at
		FROM batches
		WHERE batch_id = $1
	`

	var b domain.Batch
	var mode string
	err := r.db.QueryRowContext(ctx, query, batchID).Scan(
		&b.ID,
		&b.UserID,
		&b.Prompt,
		&mode,
		&b.Quality,
		&b.RequestedCount,
		&b.IsPrivate,
		&b.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Mode = domain.Mode(mode)

	return &b, nil
}

// ListMissingThumbnails retrieves images whose thumbnail could not be written
func (r *PostgresImageRepository) ListMissingThumbnails(ctx context.Context, limit int) ([]domain.GenerationImage, error) {
	query := `SELECT ` + imageColumns + `
		FROM generation_images
		WHERE NOT has_thumbnail
		ORDER BY created_at ASC
		LIMIT $1
	`
	return r.queryImages(ctx, query, limit)
}

// MarkThumbnail records that the thumbnail of an image exists
func (r *PostgresImageRepository) MarkThumbnail(ctx context.Context, id int64) error {
	query := `
		UPDATE generation_images
		SET has_thumbnail = TRUE, updated_at = $1
		WHERE id = $2
	`

	_, err := r.db.ExecContext(ctx, query, time.Now(), id)
	return err
}

func (r *PostgresImageRepository) queryImages(ctx context.Context, query string, args ...any) ([]domain.GenerationImage, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []domain.GenerationImage
	for rows.Next() {
		var img domain.GenerationImage
		if err := rows.Scan(
			&img.ID,
			&img.BatchID,
			&img.ImageNumber,
			&img.Filename,
			&img.IsMainImage,
			&img.ReferenceImageCount,
			&img.Width,
			&img.Height,
			&img.AspectClass,
			&img.CostCents,
			&img.Quality,
			&img.HasThumbnail,
			&img.CreatedAt,
		); err != nil {
			return nil, err
		}
		images = append(images, img)
	}

	return images, rows.Err()
}
