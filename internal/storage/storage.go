package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"imagehub/internal/models"
)

const imageColumns = `id, guid, entity_type, entity_id, category, mime_type, original_name,
	byte_size, width, height, display_order, active, uploader_id, uploaded_at, row_version`

// Storage is the durable image store. It is the single source of truth for
// ordering and state, and the only holder of the row-version concurrency token.
type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // for migrations
}

func New(ctx context.Context, dsn string) (*Storage, error) {
	const op = "storage.New"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

func (s *Storage) InsertImage(ctx context.Context, img *models.Image) error {
	const op = "storage.InsertImage"

	err := s.pool.QueryRow(ctx,
		`INSERT INTO images (guid, entity_type, entity_id, category, mime_type, original_name,
			byte_size, width, height, display_order, active, uploader_id, uploaded_at, row_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
		RETURNING id, row_version`,
		img.GUID, img.EntityType, img.EntityID, img.Category, img.MimeType, img.OriginalName,
		img.ByteSize, img.Width, img.Height, img.DisplayOrder, img.Active, img.UploaderID,
		img.UploadedAt).Scan(&img.ID, &img.RowVersion)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetImage(ctx context.Context, id int64) (*models.Image, error) {
	const op = "storage.GetImage"

	row := s.pool.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id = $1`, id)
	img, err := scanImage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: id %d: %w", op, id, models.ErrImageNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

// ListActive returns the active images of one gallery scope ordered by
// display order, NULLs last in insertion order.
func (s *Storage) ListActive(ctx context.Context, et models.EntityType, eid int64, cat models.Category) ([]models.Image, error) {
	const op = "storage.ListActive"

	rows, err := s.pool.Query(ctx,
		`SELECT `+imageColumns+` FROM images
		WHERE entity_type = $1 AND entity_id = $2 AND category = $3 AND active
		ORDER BY display_order NULLS LAST, id`,
		et, eid, cat)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Storage) MaxDisplayOrder(ctx context.Context, et models.EntityType, eid int64, cat models.Category) (int, error) {
	const op = "storage.MaxDisplayOrder"

	var max int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(display_order), 0) FROM images
		WHERE entity_type = $1 AND entity_id = $2 AND category = $3 AND active`,
		et, eid, cat).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return max, nil
}

// SoftDelete marks the image inactive and clears its display order. The blobs
// are kept; only the row leaves the ordered scope.
func (s *Storage) SoftDelete(ctx context.Context, id int64) error {
	const op = "storage.SoftDelete"

	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET active = false, display_order = NULL, row_version = row_version + 1
		WHERE id = $1 AND active`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: id %d: %w", op, id, models.ErrImageNotFound)
	}
	return nil
}

// ApplyOrders writes a set of display-order updates in one transaction, each
// guarded by the row version read beforehand. If any row's version changed a
// concurrent writer intervened: nothing is applied and false is returned.
func (s *Storage) ApplyOrders(ctx context.Context, updates []OrderUpdate) (bool, error) {
	const op = "storage.ApplyOrders"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	for _, u := range updates {
		tag, err := tx.Exec(ctx,
			`UPDATE images SET display_order = $2, row_version = row_version + 1
			WHERE id = $1 AND row_version = $3 AND active`,
			u.ID, u.Order, u.Version)
		if err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}
		if tag.RowsAffected() == 0 {
			return false, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// EntityExists probes the backing table for the given entity type. It is a
// mandatory precondition before any image binds to an entity.
func (s *Storage) EntityExists(ctx context.Context, et models.EntityType, eid int64) (bool, error) {
	const op = "storage.EntityExists"

	var table string
	switch et {
	case models.EntityListing:
		table = "listings"
	case models.EntityMember:
		table = "members"
	case models.EntityProduct:
		table = "products"
	case models.EntityAnnouncement:
		table = "announcements"
	default:
		return false, nil
	}

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, eid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return exists, nil
}

// SetEntityDocumentURL writes a document URL directly onto the parent entity.
// Document uploads do not create gallery rows; the URL lives on the entity.
func (s *Storage) SetEntityDocumentURL(ctx context.Context, et models.EntityType, eid int64, url string) error {
	const op = "storage.SetEntityDocumentURL"

	var table string
	switch et {
	case models.EntityListing:
		table = "listings"
	case models.EntityMember:
		table = "members"
	case models.EntityProduct:
		table = "products"
	case models.EntityAnnouncement:
		table = "announcements"
	default:
		return fmt.Errorf("%s: %s: %w", op, et, models.ErrEntityNotFound)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET document_url = $2 WHERE id = $1`, eid, url)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %s %d: %w", op, et, eid, models.ErrEntityNotFound)
	}
	return nil
}

func scanImage(row pgx.Row) (*models.Image, error) {
	var img models.Image
	err := row.Scan(&img.ID, &img.GUID, &img.EntityType, &img.EntityID, &img.Category,
		&img.MimeType, &img.OriginalName, &img.ByteSize, &img.Width, &img.Height,
		&img.DisplayOrder, &img.Active, &img.UploaderID, &img.UploadedAt, &img.RowVersion)
	if err != nil {
		return nil, err
	}
	return &img, nil
}
