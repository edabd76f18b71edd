package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"imagehub/internal/models"
)

// OrderUpdate is one display-order write guarded by the row version it was
// read at.
type OrderUpdate struct {
	ID      int64
	Order   int
	Version int64
}

// ImageRows is the slice of the durable store the order manager needs: an
// authoritative read of a scope's active set and an all-or-nothing guarded
// write of new positions.
type ImageRows interface {
	ListActive(ctx context.Context, et models.EntityType, eid int64, cat models.Category) ([]models.Image, error)
	ApplyOrders(ctx context.Context, updates []OrderUpdate) (bool, error)
}

const defaultOrderRetries = 3

// OrderManager assigns and repairs contiguous 1-based display ordering for a
// gallery scope under optimistic concurrency. Every attempt re-reads the
// authoritative active set, recomputes target positions and writes them with
// the row versions as compare-and-swap guards; a lost race discards the whole
// attempt and retries from a fresh read. Exhausting the retry budget is
// reported as a boolean failure, not an error.
type OrderManager struct {
	rows    ImageRows
	retries int
	logger  *zap.Logger
}

func NewOrderManager(rows ImageRows, logger *zap.Logger) *OrderManager {
	return &OrderManager{rows: rows, retries: defaultOrderRetries, logger: logger}
}

// AssignOrders assigns 1..N over the full active set of the scope, positioning
// ids from orderedIDs first in the given sequence and any remaining active
// images after them in their current order.
func (m *OrderManager) AssignOrders(ctx context.Context, et models.EntityType, eid int64, cat models.Category, orderedIDs []int64) (bool, error) {
	return m.attempt(ctx, et, eid, cat, func(active []models.Image) []OrderUpdate {
		return permutationPlan(active, orderedIDs)
	})
}

// Reorder applies a caller-supplied ordering to the scope. The caller's list
// is treated as a preference, not as truth: positions are recomputed per
// attempt against the authoritative active set, so a concurrent delete that
// shrank the set mid-retry still converges to a contiguous {1..N}.
func (m *OrderManager) Reorder(ctx context.Context, et models.EntityType, eid int64, cat models.Category, newOrderedIDs []int64) (bool, error) {
	return m.attempt(ctx, et, eid, cat, func(active []models.Image) []OrderUpdate {
		return permutationPlan(active, newOrderedIDs)
	})
}

// Compact restores contiguity after a deletion, preserving the remaining
// images' relative order.
func (m *OrderManager) Compact(ctx context.Context, et models.EntityType, eid int64, cat models.Category) (bool, error) {
	return m.attempt(ctx, et, eid, cat, func(active []models.Image) []OrderUpdate {
		return permutationPlan(active, nil)
	})
}

// SwapMain exchanges the target's display order with whatever currently holds
// order 1 in its scope. Going through the same guarded-write primitive as
// Reorder keeps it race-free against a concurrent reorder.
func (m *OrderManager) SwapMain(ctx context.Context, img *models.Image) (bool, error) {
	const op = "storage.OrderManager.SwapMain"
	if img.DisplayOrder == nil {
		return false, fmt.Errorf("%s: image %d has no display order", op, img.ID)
	}

	return m.attempt(ctx, img.EntityType, img.EntityID, img.Category, func(active []models.Image) []OrderUpdate {
		var target, main *models.Image
		for i := range active {
			if active[i].ID == img.ID {
				target = &active[i]
			}
			if active[i].DisplayOrder != nil && *active[i].DisplayOrder == 1 {
				main = &active[i]
			}
		}
		if target == nil || target.DisplayOrder == nil {
			return nil // deleted concurrently, nothing to do
		}
		if main == nil {
			return []OrderUpdate{{ID: target.ID, Order: 1, Version: target.RowVersion}}
		}
		if main.ID == target.ID {
			return nil // already main
		}
		return []OrderUpdate{
			{ID: target.ID, Order: 1, Version: target.RowVersion},
			{ID: main.ID, Order: *target.DisplayOrder, Version: main.RowVersion},
		}
	})
}

func (m *OrderManager) attempt(ctx context.Context, et models.EntityType, eid int64, cat models.Category, plan func([]models.Image) []OrderUpdate) (bool, error) {
	for i := 0; i < m.retries; i++ {
		active, err := m.rows.ListActive(ctx, et, eid, cat)
		if err != nil {
			return false, err
		}

		updates := plan(active)
		if len(updates) == 0 {
			return true, nil
		}

		ok, err := m.rows.ApplyOrders(ctx, updates)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		m.logger.Debug("display order conflict, retrying from fresh read",
			zap.String("entity_type", string(et)),
			zap.Int64("entity_id", eid),
			zap.String("category", string(cat)),
			zap.Int("attempt", i+1))
	}

	m.logger.Warn("display order retries exhausted",
		zap.String("entity_type", string(et)),
		zap.Int64("entity_id", eid),
		zap.String("category", string(cat)))
	return false, nil
}

// permutationPlan computes target positions 1..N for the active set. Ids in
// preferred that are still active come first, in the given sequence; the rest
// follow in their current order. Every active row gets an update so that any
// concurrent writer in the scope is detected.
func permutationPlan(active []models.Image, preferred []int64) []OrderUpdate {
	if len(active) == 0 {
		return nil
	}

	byID := make(map[int64]*models.Image, len(active))
	for i := range active {
		byID[active[i].ID] = &active[i]
	}

	ordered := make([]*models.Image, 0, len(active))
	seen := make(map[int64]bool, len(active))
	for _, id := range preferred {
		if img, ok := byID[id]; ok && !seen[id] {
			ordered = append(ordered, img)
			seen[id] = true
		}
	}
	for i := range active {
		if !seen[active[i].ID] {
			ordered = append(ordered, &active[i])
		}
	}

	updates := make([]OrderUpdate, len(ordered))
	for pos, img := range ordered {
		updates[pos] = OrderUpdate{ID: img.ID, Order: pos + 1, Version: img.RowVersion}
	}
	return updates
}
