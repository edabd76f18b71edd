// Package gallery is the upload orchestrator: it ties together validation,
// transcoding, atomic multi-tier storage, persistence and display ordering,
// and drives staging-to-permanent migration when an entity is committed.
package gallery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imagehub/internal/blob"
	"imagehub/internal/models"
	"imagehub/internal/sizes"
	"imagehub/internal/staging"
	"imagehub/internal/storage"
	"imagehub/internal/transcode"
)

// ImageStore is the slice of the durable store the orchestrator needs.
type ImageStore interface {
	InsertImage(ctx context.Context, img *models.Image) error
	GetImage(ctx context.Context, id int64) (*models.Image, error)
	ListActive(ctx context.Context, et models.EntityType, eid int64, cat models.Category) ([]models.Image, error)
	MaxDisplayOrder(ctx context.Context, et models.EntityType, eid int64, cat models.Category) (int, error)
	SoftDelete(ctx context.Context, id int64) error
	EntityExists(ctx context.Context, et models.EntityType, eid int64) (bool, error)
	SetEntityDocumentURL(ctx context.Context, et models.EntityType, eid int64, url string) error
}

// URLBuilder turns a blob path into its externally served URL.
type URLBuilder interface {
	PublicURL(path string) string
}

// UploadFile is one file of an upload batch.
type UploadFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// ItemResult is the per-file outcome inside one batch response. Failures are
// isolated per item; siblings in the same batch are unaffected.
type ItemResult struct {
	OriginalName string                    `json:"originalName"`
	GUID         uuid.UUID                 `json:"guid,omitempty"`
	OK           bool                      `json:"ok"`
	Error        string                    `json:"error,omitempty"`
	Image        *models.Image             `json:"image,omitempty"`
	DocumentURL  string                    `json:"documentUrl,omitempty"`
	Tiers        []models.TierUploadResult `json:"tiers,omitempty"`
}

type Service struct {
	images   ImageStore
	orders   *storage.OrderManager
	blobs    blob.Store
	urls     URLBuilder
	staging  *staging.Store
	trans    *transcode.Transcoder
	logger   *zap.Logger
	maxBytes int64
}

func NewService(images ImageStore, orders *storage.OrderManager, blobs blob.Store, urls URLBuilder,
	stg *staging.Store, trans *transcode.Transcoder, maxBytes int64, logger *zap.Logger) *Service {
	return &Service{
		images:   images,
		orders:   orders,
		blobs:    blobs,
		urls:     urls,
		staging:  stg,
		trans:    trans,
		logger:   logger,
		maxBytes: maxBytes,
	}
}

// UploadImages uploads a batch directly against an existing entity. The whole
// call fails if the entity does not exist; otherwise each file is processed
// independently and the response preserves caller-supplied order.
func (s *Service) UploadImages(ctx context.Context, files []UploadFile, et models.EntityType, eid int64, cat models.Category, uploaderID string) ([]ItemResult, error) {
	const op = "gallery.UploadImages"

	exists, err := s.images.EntityExists(ctx, et, eid)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return nil, fmt.Errorf("%s: %s %d: %w", op, et, eid, models.ErrEntityNotFound)
	}

	results := make([]ItemResult, 0, len(files))
	for _, f := range files {
		results = append(results, s.uploadOne(ctx, f, et, eid, cat, uploaderID))
	}
	return results, nil
}

func (s *Service) uploadOne(ctx context.Context, f UploadFile, et models.EntityType, eid int64, cat models.Category, uploaderID string) ItemResult {
	if err := s.validate(f); err != nil {
		return ItemResult{OriginalName: f.Name, Error: err.Error()}
	}

	if cat == models.CategoryDocument {
		return s.uploadDocument(ctx, f, et, eid, uploaderID)
	}

	res, err := s.trans.TranscodeAll(bytes.NewReader(f.Data))
	if err != nil {
		s.logger.Warn("transcode failed", zap.String("file", f.Name), zap.Error(err))
		return ItemResult{OriginalName: f.Name, Error: models.ErrProcessingFailure.Error()}
	}

	img := &models.Image{
		GUID:         uuid.New(),
		EntityType:   et,
		EntityID:     eid,
		Category:     cat,
		MimeType:     f.MimeType,
		OriginalName: f.Name,
		ByteSize:     int64(len(f.Data)),
		Width:        res.Width,
		Height:       res.Height,
		Active:       true,
		UploaderID:   uploaderID,
		UploadedAt:   time.Now(),
	}

	tierResults, err := blob.PutAtomic(ctx, s.blobs, s.tierObjects(img, res.Tiers), 0)
	if err != nil {
		s.logger.Error("tier upload failed", zap.String("file", f.Name), zap.Error(err))
		return ItemResult{OriginalName: f.Name, GUID: img.GUID, Error: models.ErrStorageUpload.Error(), Tiers: tierResults}
	}

	// Append to end: max existing order + 1, or 1 for the scope's first image.
	max, err := s.images.MaxDisplayOrder(ctx, et, eid, cat)
	if err != nil {
		s.rollbackTiers(ctx, tierResults)
		return ItemResult{OriginalName: f.Name, GUID: img.GUID, Error: err.Error()}
	}
	order := max + 1
	img.DisplayOrder = &order

	if err := s.images.InsertImage(ctx, img); err != nil {
		s.rollbackTiers(ctx, tierResults)
		s.logger.Error("image insert failed", zap.String("file", f.Name), zap.Error(err))
		return ItemResult{OriginalName: f.Name, GUID: img.GUID, Error: err.Error()}
	}

	return ItemResult{OriginalName: f.Name, GUID: img.GUID, OK: true, Image: img, Tiers: s.withURLs(tierResults)}
}

// uploadDocument preserves the long-standing document asymmetry: the blob URL
// is written directly onto the parent entity and no gallery row is created.
func (s *Service) uploadDocument(ctx context.Context, f UploadFile, et models.EntityType, eid int64, uploaderID string) ItemResult {
	guid := uuid.New()
	path := fmt.Sprintf("%s/%d/documents/%s%s", et, eid, guid, models.ExtForMime(f.MimeType))

	if err := s.blobs.Put(ctx, path, f.Data, f.MimeType); err != nil {
		s.logger.Error("document upload failed", zap.String("file", f.Name), zap.Error(err))
		return ItemResult{OriginalName: f.Name, GUID: guid, Error: models.ErrStorageUpload.Error()}
	}

	url := s.urls.PublicURL(path)
	if err := s.images.SetEntityDocumentURL(ctx, et, eid, url); err != nil {
		_ = s.blobs.Delete(ctx, path)
		return ItemResult{OriginalName: f.Name, GUID: guid, Error: err.Error()}
	}

	s.logger.Info("document stored on entity",
		zap.String("entity_type", string(et)), zap.Int64("entity_id", eid),
		zap.String("uploader", uploaderID), zap.String("path", path))
	return ItemResult{OriginalName: f.Name, GUID: guid, OK: true, DocumentURL: url}
}

// UploadToStaging validates and transcodes a batch before the owning entity
// exists, parking every tier under the caller's staging session.
func (s *Service) UploadToStaging(ctx context.Context, files []UploadFile, cat models.Category, callerKey string) (string, []ItemResult, error) {
	const op = "gallery.UploadToStaging"

	token, err := s.staging.GetOrCreateSessionToken(callerKey)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", op, err)
	}

	results := make([]ItemResult, 0, len(files))
	for _, f := range files {
		results = append(results, s.stageOne(ctx, token, f, cat))
	}
	return token, results, nil
}

func (s *Service) stageOne(ctx context.Context, token string, f UploadFile, cat models.Category) ItemResult {
	if err := s.validate(f); err != nil {
		return ItemResult{OriginalName: f.Name, Error: err.Error()}
	}

	res, err := s.trans.TranscodeAll(bytes.NewReader(f.Data))
	if err != nil {
		return ItemResult{OriginalName: f.Name, Error: models.ErrProcessingFailure.Error()}
	}

	info := models.StagedImageInfo{
		GUID:         uuid.New(),
		OriginalName: f.Name,
		Category:     cat,
		MimeType:     f.MimeType,
		ByteSize:     int64(len(f.Data)),
		UploadedAt:   time.Now(),
	}
	if err := s.staging.StoreStagedImage(ctx, token, info, res.Tiers); err != nil {
		return ItemResult{OriginalName: f.Name, GUID: info.GUID, Error: err.Error()}
	}
	return ItemResult{OriginalName: f.Name, GUID: info.GUID, OK: true}
}

// MigrateStagedSession re-keys every staged blob into the entity's permanent
// path, creates the durable rows, assigns display order by staged upload
// order and invalidates the session. One image's failure does not roll back
// siblings already migrated in the same call; failures are reported per item.
func (s *Service) MigrateStagedSession(ctx context.Context, token string, et models.EntityType, eid int64, uploaderID string) ([]ItemResult, error) {
	const op = "gallery.MigrateStagedSession"

	infos := s.staging.GetStagedImages(token)
	if len(infos) == 0 {
		return nil, fmt.Errorf("%s: token %s: %w", op, token, models.ErrSessionExpired)
	}

	exists, err := s.images.EntityExists(ctx, et, eid)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return nil, fmt.Errorf("%s: %s %d: %w", op, et, eid, models.ErrEntityNotFound)
	}

	results := make([]ItemResult, 0, len(infos))
	migrated := make(map[models.Category][]int64)

	for _, info := range infos {
		item := s.migrateOne(ctx, token, info, et, eid, uploaderID)
		results = append(results, item)
		if item.OK && item.Image != nil {
			migrated[info.Category] = append(migrated[info.Category], item.Image.ID)
		}
	}

	for cat, ids := range migrated {
		if ok, err := s.orders.AssignOrders(ctx, et, eid, cat, ids); err != nil {
			return results, fmt.Errorf("%s: assign orders: %w", op, err)
		} else if !ok {
			s.logger.Warn("order assignment conflict after migration",
				zap.String("entity_type", string(et)), zap.Int64("entity_id", eid),
				zap.String("category", string(cat)))
		}
	}

	if err := s.staging.InvalidateSession(ctx, token); err != nil {
		s.logger.Warn("failed to invalidate staging session", zap.String("token", token), zap.Error(err))
	}

	return results, nil
}

func (s *Service) migrateOne(ctx context.Context, token string, info models.StagedImageInfo, et models.EntityType, eid int64, uploaderID string) ItemResult {
	img := &models.Image{
		GUID:         info.GUID,
		EntityType:   et,
		EntityID:     eid,
		Category:     info.Category,
		MimeType:     info.MimeType,
		OriginalName: info.OriginalName,
		ByteSize:     info.ByteSize,
		Active:       true,
		UploaderID:   uploaderID,
		UploadedAt:   info.UploadedAt,
	}

	objects := make([]blob.TierObject, 0, len(sizes.Names()))
	for _, tier := range sizes.Names() {
		data, err := s.staging.StagedTier(ctx, token, info, tier)
		if err != nil {
			s.logger.Error("staged tier unreadable",
				zap.String("guid", info.GUID.String()), zap.String("tier", tier), zap.Error(err))
			return ItemResult{OriginalName: info.OriginalName, GUID: info.GUID, Error: models.ErrStorageUpload.Error()}
		}
		objects = append(objects, blob.TierObject{
			Tier: tier,
			Path: blob.TierPath(string(et), eid, img.StoredName(), tier),
			Data: data,
		})
	}

	tierResults, err := blob.PutAtomic(ctx, s.blobs, objects, 0)
	if err != nil {
		return ItemResult{OriginalName: info.OriginalName, GUID: info.GUID, Error: models.ErrStorageUpload.Error(), Tiers: tierResults}
	}

	if info.Category == models.CategoryDocument {
		// Documents carry no gallery row; the large rendition's URL goes on
		// the entity itself.
		url := s.urls.PublicURL(blob.TierPath(string(et), eid, img.StoredName(), "large"))
		if err := s.images.SetEntityDocumentURL(ctx, et, eid, url); err != nil {
			s.rollbackTiers(ctx, tierResults)
			return ItemResult{OriginalName: info.OriginalName, GUID: info.GUID, Error: err.Error()}
		}
		return ItemResult{OriginalName: info.OriginalName, GUID: info.GUID, OK: true, DocumentURL: url}
	}

	if err := s.images.InsertImage(ctx, img); err != nil {
		s.rollbackTiers(ctx, tierResults)
		return ItemResult{OriginalName: info.OriginalName, GUID: info.GUID, Error: err.Error()}
	}

	return ItemResult{OriginalName: info.OriginalName, GUID: info.GUID, OK: true, Image: img, Tiers: s.withURLs(tierResults)}
}

// SetMainImage swaps the target's display order with the scope's current main
// image and returns the refreshed descriptor.
func (s *Service) SetMainImage(ctx context.Context, imageID int64) (*models.Image, error) {
	const op = "gallery.SetMainImage"

	img, err := s.images.GetImage(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !img.Active {
		return nil, fmt.Errorf("%s: id %d: %w", op, imageID, models.ErrImageNotFound)
	}

	ok, err := s.orders.SwapMain(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, models.ErrConcurrencyConflict)
	}

	return s.images.GetImage(ctx, imageID)
}

// DeleteImage soft-deletes the image and compacts the remaining active set's
// display order back to a contiguous sequence.
func (s *Service) DeleteImage(ctx context.Context, imageID int64) (bool, error) {
	const op = "gallery.DeleteImage"

	img, err := s.images.GetImage(ctx, imageID)
	if err != nil {
		if errors.Is(err, models.ErrImageNotFound) {
			return false, err
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.images.SoftDelete(ctx, imageID); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	ok, err := s.orders.Compact(ctx, img.EntityType, img.EntityID, img.Category)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return ok, nil
}

// Reorder applies a caller-supplied gallery ordering, reporting unrecoverable
// conflict as false rather than an error so the caller can prompt a retry.
func (s *Service) Reorder(ctx context.Context, et models.EntityType, eid int64, newOrder []int64) (bool, error) {
	return s.orders.Reorder(ctx, et, eid, models.CategoryGallery, newOrder)
}

func (s *Service) validate(f UploadFile) error {
	if !models.AllowedMimeType(f.MimeType) {
		return fmt.Errorf("%w: %s", models.ErrUnsupportedMimeType, f.MimeType)
	}
	if s.maxBytes > 0 && int64(len(f.Data)) > s.maxBytes {
		return fmt.Errorf("%w: %d bytes", models.ErrFileTooLarge, len(f.Data))
	}
	return nil
}

func (s *Service) tierObjects(img *models.Image, tiers map[string][]byte) []blob.TierObject {
	objects := make([]blob.TierObject, 0, len(tiers))
	for _, tier := range sizes.Names() {
		data, ok := tiers[tier]
		if !ok {
			continue
		}
		objects = append(objects, blob.TierObject{
			Tier: tier,
			Path: blob.TierPath(string(img.EntityType), img.EntityID, img.StoredName(), tier),
			Data: data,
		})
	}
	return objects
}

func (s *Service) withURLs(results []models.TierUploadResult) []models.TierUploadResult {
	for i := range results {
		if results[i].OK {
			results[i].URL = s.urls.PublicURL(results[i].Path)
		}
	}
	return results
}

func (s *Service) rollbackTiers(ctx context.Context, results []models.TierUploadResult) {
	for _, r := range results {
		if r.OK {
			if err := s.blobs.Delete(ctx, r.Path); err != nil {
				s.logger.Warn("failed to roll back tier", zap.String("path", r.Path), zap.Error(err))
			}
		}
	}
}
