package models

import (
	"errors"
	"mime"
	"time"

	"github.com/google/uuid"
)

// EntityType discriminates which domain object an image belongs to.
type EntityType string

const (
	EntityListing      EntityType = "listing"
	EntityMember       EntityType = "member"
	EntityProduct      EntityType = "product"
	EntityAnnouncement EntityType = "announcement"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityListing, EntityMember, EntityProduct, EntityAnnouncement:
		return true
	}
	return false
}

// Category subdivides a gallery; display order is scoped per
// (entity type, entity id, category).
type Category string

const (
	CategoryGallery  Category = "gallery"
	CategoryAvatar   Category = "avatar"
	CategoryProduct  Category = "product"
	CategoryDocument Category = "document"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryGallery, CategoryAvatar, CategoryProduct, CategoryDocument:
		return true
	}
	return false
}

// Image is the durable gallery record. RowVersion changes on every write and
// is used as a compare-and-swap guard against lost updates.
type Image struct {
	ID           int64      `db:"id"`
	GUID         uuid.UUID  `db:"guid"`
	EntityType   EntityType `db:"entity_type"`
	EntityID     int64      `db:"entity_id"`
	Category     Category   `db:"category"`
	MimeType     string     `db:"mime_type"`
	OriginalName string     `db:"original_name"`
	ByteSize     int64      `db:"byte_size"`
	Width        int        `db:"width"`
	Height       int        `db:"height"`
	DisplayOrder *int       `db:"display_order"`
	Active       bool       `db:"active"`
	UploaderID   string     `db:"uploader_id"`
	UploadedAt   time.Time  `db:"uploaded_at"`
	RowVersion   int64      `db:"row_version"`
}

// StoredName derives the stored filename from the GUID and mime type.
func (i *Image) StoredName() string {
	return i.GUID.String() + ExtForMime(i.MimeType)
}

// StagedImageInfo describes one image held in a staging session. It has no
// durable-store relationship until migrated onto an entity.
type StagedImageInfo struct {
	GUID         uuid.UUID `json:"guid"`
	OriginalName string    `json:"originalName"`
	SessionToken string    `json:"sessionToken"`
	Category     Category  `json:"category"`
	MimeType     string    `json:"mimeType"`
	ByteSize     int64     `json:"byteSize"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// Expired reports whether the entry is past its staging TTL.
func (s StagedImageInfo) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.UploadedAt) > ttl
}

// TierUploadResult records the outcome of one size tier's blob write.
type TierUploadResult struct {
	Tier     string `json:"tier"`
	OK       bool   `json:"ok"`
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	ByteSize int64  `json:"byteSize,omitempty"`
	Retries  int    `json:"retries,omitempty"`
}

// AtomicUploadResult aggregates tier results for one logical image. The image
// counts as uploaded only if every tier succeeded.
type AtomicUploadResult struct {
	GUID         uuid.UUID          `json:"guid"`
	OriginalName string             `json:"originalName"`
	Tiers        []TierUploadResult `json:"tiers"`
	Err          error              `json:"-"`
}

func (r *AtomicUploadResult) Success() bool {
	if r.Err != nil || len(r.Tiers) == 0 {
		return false
	}
	for _, t := range r.Tiers {
		if !t.OK {
			return false
		}
	}
	return true
}

// Error taxonomy. Validation failures reject before any I/O, not-found
// failures reject before mutation, storage failures trigger per-image
// rollback, and concurrency conflicts are retried internally before being
// surfaced as a boolean failure.
var (
	ErrEntityNotFound      = errors.New("entity not found")
	ErrImageNotFound       = errors.New("image not found")
	ErrUnsupportedMimeType = errors.New("unsupported mime type")
	ErrFileTooLarge        = errors.New("file too large")
	ErrProcessingFailure   = errors.New("image processing failed")
	ErrStorageUpload       = errors.New("storage upload failed")
	ErrConcurrencyConflict = errors.New("concurrent modification detected")
	ErrSessionExpired      = errors.New("staging session expired or empty")
)

var allowedMimeTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
	"image/tiff": ".tiff",
}

// AllowedMimeType reports whether the pipeline accepts the given mime type.
func AllowedMimeType(mimeType string) bool {
	_, ok := allowedMimeTypes[normalizeMime(mimeType)]
	return ok
}

// ExtForMime returns the filename extension for an accepted mime type,
// defaulting to .jpg for anything unknown.
func ExtForMime(mimeType string) string {
	if ext, ok := allowedMimeTypes[normalizeMime(mimeType)]; ok {
		return ext
	}
	return ".jpg"
}

func normalizeMime(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return mimeType
	}
	return mt
}
