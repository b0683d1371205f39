package repository

import (
	"context"
	"time"

	"github.com/timmy/platecal/internal/domain"
	"gorm.io/gorm"
)

// FoodRecordRepository handles food record persistence.
type FoodRecordRepository struct {
	db *gorm.DB
}

// NewFoodRecordRepository creates a new FoodRecordRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *FoodRecordRepository: repository instance bound to db.
func NewFoodRecordRepository(db *gorm.DB) *FoodRecordRepository {
	return &FoodRecordRepository{db: db}
}

// Create inserts a new food record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - rec: record to persist.
//
// Returns:
//   - error: non-nil if the insert fails (including a duplicate ID).
func (r *FoodRecordRepository) Create(ctx context.Context, rec *domain.FoodRecord) error {
	rec.CapturedAt = rec.CapturedAt.UTC()
	return r.db.WithContext(ctx).Create(rec).Error
}

// Save inserts rec or, when a row with the same ID exists, overwrites it.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - rec: full record, including photo fields.
//
// Returns:
//   - error: non-nil if the write fails.
func (r *FoodRecordRepository) Save(ctx context.Context, rec *domain.FoodRecord) error {
	rec.CapturedAt = rec.CapturedAt.UTC()
	return r.db.WithContext(ctx).Save(rec).Error
}

// GetByID retrieves a record, photo blob included.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: record ID.
//
// Returns:
//   - *domain.FoodRecord: record if found.
//   - error: gorm.ErrRecordNotFound if missing.
func (r *FoodRecordRepository) GetByID(ctx context.Context, id string) (*domain.FoodRecord, error) {
	var rec domain.FoodRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListBetween returns records captured in [from, to), newest first. Photo
// blobs are not loaded.
func (r *FoodRecordRepository) ListBetween(ctx context.Context, from, to time.Time) ([]domain.FoodRecord, error) {
	var recs []domain.FoodRecord
	err := r.db.WithContext(ctx).
		Omit("image_data").
		Where("captured_at >= ? AND captured_at < ?", from.UTC(), to.UTC()).
		Order("captured_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// ListRecent returns the latest limit records, newest first.
func (r *FoodRecordRepository) ListRecent(ctx context.Context, limit int) ([]domain.FoodRecord, error) {
	var recs []domain.FoodRecord
	err := r.db.WithContext(ctx).
		Omit("image_data").
		Order("captured_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Delete removes a record by ID.
// Returns gorm.ErrRecordNotFound if no row matched.
func (r *FoodRecordRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&domain.FoodRecord{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SumBetween aggregates calories and macros of records captured in
// [from, to).
func (r *FoodRecordRepository) SumBetween(ctx context.Context, from, to time.Time) (domain.NutritionTotals, error) {
	var totals domain.NutritionTotals
	err := r.db.WithContext(ctx).
		Model(&domain.FoodRecord{}).
		Select("COUNT(*) AS count, COALESCE(SUM(calories), 0) AS calories, "+
			"COALESCE(SUM(protein), 0) AS protein, COALESCE(SUM(carbs), 0) AS carbs, COALESCE(SUM(fat), 0) AS fat").
		Where("captured_at >= ? AND captured_at < ?", from.UTC(), to.UTC()).
		Scan(&totals).Error
	return totals, err
}
