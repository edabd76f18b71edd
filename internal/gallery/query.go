package gallery

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"imagehub/internal/blob"
	"imagehub/internal/models"
	"imagehub/internal/sizes"
)

// ImageView is the read-side projection of one image with its tier URLs.
type ImageView struct {
	ID           int64             `json:"id"`
	GUID         uuid.UUID         `json:"guid"`
	OriginalName string            `json:"originalName"`
	Category     models.Category   `json:"category"`
	DisplayOrder *int              `json:"displayOrder"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	URLs         map[string]string `json:"urls"`
}

// Query serves read-only projections over the durable store.
type Query struct {
	images ImageStore
	urls   URLBuilder
}

func NewQuery(images ImageStore, urls URLBuilder) *Query {
	return &Query{images: images, urls: urls}
}

// ImagesByEntity returns the active images of a scope in display order.
func (q *Query) ImagesByEntity(ctx context.Context, et models.EntityType, eid int64, cat models.Category) ([]ImageView, error) {
	const op = "gallery.Query.ImagesByEntity"

	imgs, err := q.images.ListActive(ctx, et, eid, cat)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	views := make([]ImageView, 0, len(imgs))
	for i := range imgs {
		views = append(views, q.view(&imgs[i]))
	}
	return views, nil
}

// MainImage returns the scope's image at display order 1, or ErrImageNotFound
// for an empty scope.
func (q *Query) MainImage(ctx context.Context, et models.EntityType, eid int64, cat models.Category) (*ImageView, error) {
	const op = "gallery.Query.MainImage"

	imgs, err := q.images.ListActive(ctx, et, eid, cat)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for i := range imgs {
		if imgs[i].DisplayOrder != nil && *imgs[i].DisplayOrder == 1 {
			v := q.view(&imgs[i])
			return &v, nil
		}
	}
	return nil, fmt.Errorf("%s: %s %d: %w", op, et, eid, models.ErrImageNotFound)
}

// URLFor builds the served URL for one tier of an image.
func (q *Query) URLFor(img *models.Image, tier string) string {
	return q.urls.PublicURL(blob.TierPath(string(img.EntityType), img.EntityID, img.StoredName(), tier))
}

func (q *Query) view(img *models.Image) ImageView {
	urls := make(map[string]string, len(sizes.Names()))
	for _, tier := range sizes.Names() {
		urls[tier] = q.URLFor(img, tier)
	}
	return ImageView{
		ID:           img.ID,
		GUID:         img.GUID,
		OriginalName: img.OriginalName,
		Category:     img.Category,
		DisplayOrder: img.DisplayOrder,
		Width:        img.Width,
		Height:       img.Height,
		URLs:         urls,
	}
}
