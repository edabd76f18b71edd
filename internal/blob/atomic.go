package blob

import (
	"context"
	"fmt"

	"imagehub/internal/models"
)

// TierObject is one size tier's bytes bound for a destination path.
type TierObject struct {
	Tier string
	Path string
	Data []byte
}

// PutAtomic writes every tier of one logical image, or none of them. Each
// successfully written path is tracked; if any tier fails after its retry
// budget, all tracked paths are deleted before the error is returned, so the
// store never holds a partial tier set. The per-tier results are returned in
// both outcomes for reporting.
func PutAtomic(ctx context.Context, store Store, objects []TierObject, retries int) ([]models.TierUploadResult, error) {
	results := make([]models.TierUploadResult, 0, len(objects))
	var written []string

	for _, obj := range objects {
		var err error
		attempts := 0
		for attempts = 0; attempts <= retries; attempts++ {
			if err = store.Put(ctx, obj.Path, obj.Data, "image/jpeg"); err == nil {
				break
			}
		}
		if err != nil {
			results = append(results, models.TierUploadResult{
				Tier: obj.Tier, OK: false, Retries: attempts - 1,
			})
			for _, path := range written {
				_ = store.Delete(ctx, path)
			}
			return results, fmt.Errorf("blob.PutAtomic: tier %s: %w: %v", obj.Tier, models.ErrStorageUpload, err)
		}
		written = append(written, obj.Path)
		results = append(results, models.TierUploadResult{
			Tier: obj.Tier, OK: true, Path: obj.Path,
			ByteSize: int64(len(obj.Data)), Retries: attempts,
		})
	}

	return results, nil
}
