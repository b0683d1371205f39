package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/timmy/platecal/internal/domain"
	"github.com/timmy/platecal/internal/imaging"
	"github.com/timmy/platecal/internal/logger"
	"github.com/timmy/platecal/internal/repository"
	"github.com/timmy/platecal/internal/storage"
	"gorm.io/gorm"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrInvalidImage       = errors.New("invalid image")
	ErrInvalidEntry       = errors.New("invalid entry")
	ErrInvalidRange       = errors.New("invalid date range")
	ErrSimilarityDisabled = errors.New("similar-meal search is disabled")
)

const maxHistoryDays = 366

// Analyzer estimates nutrition from a photo; satisfied by *vision.Client.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte) (*domain.NutritionEstimate, error)
	Model() string
}

// MealIndex is the optional similar-meal index.
type MealIndex interface {
	Index(ctx context.Context, rec *domain.FoodRecord) error
	Remove(ctx context.Context, recordID string) error
	Similar(ctx context.Context, rec *domain.FoodRecord, topK int) ([]SimilarMeal, error)
}

// MealConfig holds configuration for the meal service
type MealConfig struct {
	// Location defines calendar-day boundaries; nil means time.Local.
	Location *time.Location
}

// MealService is the food journal: photo analysis, manual entries, edits
// and per-day views.
type MealService struct {
	records    *repository.FoodRecordRepository
	analyzer   Analyzer
	compressor *imaging.Compressor
	storage    storage.ObjectStorage
	index      MealIndex
	logger     *logger.Logger
	loc        *time.Location
}

// NewMealService creates a new meal service.
// objectStorage and index may be nil: photos are then kept inline in the
// database and similar-meal search is unavailable.
func NewMealService(
	records *repository.FoodRecordRepository,
	analyzer Analyzer,
	compressor *imaging.Compressor,
	objectStorage storage.ObjectStorage,
	index MealIndex,
	log *logger.Logger,
	cfg *MealConfig,
) *MealService {
	loc := time.Local
	if cfg != nil && cfg.Location != nil {
		loc = cfg.Location
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &MealService{
		records:    records,
		analyzer:   analyzer,
		compressor: compressor,
		storage:    objectStorage,
		index:      index,
		logger:     log,
		loc:        loc,
	}
}

// log returns a logger from context if available, otherwise returns the service logger
func (s *MealService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != logger.GetDefault() {
		return l
	}
	return s.logger
}

// Location returns the time zone used for day boundaries.
func (s *MealService) Location() *time.Location {
	return s.loc
}

// AnalysisResult is the outcome of AnalyzePhoto. Record is set only when
// the estimate was saved.
type AnalysisResult struct {
	Estimate *domain.NutritionEstimate `json:"estimate"`
	Record   *domain.FoodRecord        `json:"record,omitempty"`
}

// AnalyzePhoto compresses raw, asks the analyzer for an estimate and, if
// save is set, stores the record with its photo.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - raw: photo bytes (JPEG, PNG, GIF or WebP).
//   - save: persist the estimate and photo.
//
// Returns:
//   - *AnalysisResult: estimate, plus the stored record when saved.
//   - error: ErrInvalidImage, a vision error, or a persistence error.
func (s *MealService) AnalyzePhoto(ctx context.Context, raw []byte, save bool) (*AnalysisResult, error) {
	photo, err := s.compressor.Compress(raw)
	if err != nil {
		if errors.Is(err, imaging.ErrUnsupportedImage) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
		return nil, err
	}
	logger.With(logger.Fields{
		logger.FieldSize: len(photo.Data),
		"width":          photo.Width,
		"height":         photo.Height,
		"source_format":  photo.SourceFormat,
	}).Debug(ctx, "Photo compressed from %d bytes", len(raw))

	est, err := s.analyzer.Analyze(ctx, photo.Data)
	if err != nil {
		return nil, err
	}

	result := &AnalysisResult{Estimate: est}
	if !save {
		return result, nil
	}

	rec := domain.NewFoodRecord(est, domain.RecordSourceVision)
	rec.Model = s.analyzer.Model()
	if err := s.create(ctx, rec, photo.Data); err != nil {
		return nil, err
	}
	result.Record = rec
	return result, nil
}

// AddManual records an entry typed in by the user.
func (s *MealService) AddManual(ctx context.Context, n domain.Nutrients) (*domain.FoodRecord, error) {
	if err := n.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	rec := domain.NewFoodRecord(domain.NewNutritionEstimate(n), domain.RecordSourceManual)
	if err := s.create(ctx, rec, nil); err != nil {
		return nil, err
	}
	return rec, nil
}

// create stores the photo (object storage or inline), inserts the row and
// indexes it. The upload is rolled back if the insert fails.
func (s *MealService) create(ctx context.Context, rec *domain.FoodRecord, photo []byte) error {
	ctx = logger.SetRecordID(ctx, rec.ID)

	uploaded := false
	if len(photo) > 0 {
		rec.ImageContentType = imaging.ContentType
		if s.storage != nil {
			key := storage.PhotoKey(rec.ID, rec.CapturedAt)
			if err := s.storage.Upload(ctx, key, bytes.NewReader(photo), int64(len(photo)), imaging.ContentType); err != nil {
				return fmt.Errorf("failed to upload photo: %w", err)
			}
			rec.ImageKey = key
			uploaded = true
		} else {
			rec.ImageData = photo
		}
	}

	if err := s.records.Create(ctx, rec); err != nil {
		if uploaded {
			if delErr := s.storage.Delete(ctx, rec.ImageKey); delErr != nil {
				s.log(ctx).WithField("storage_key", rec.ImageKey).WithError(delErr).Error("Failed to rollback photo upload")
			}
		}
		return fmt.Errorf("failed to save record: %w", err)
	}

	s.reindex(ctx, rec)
	s.decorate(rec)
	s.log(ctx).WithFields(logger.Fields{
		"source":   rec.Source,
		"calories": rec.Calories,
	}).Info("Food record saved")
	return nil
}

// UpdateRecord replaces the nutrition values of a stored record. Identity,
// capture time and photo are kept.
func (s *MealService) UpdateRecord(ctx context.Context, id string, n domain.Nutrients) (*domain.FoodRecord, error) {
	if err := n.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := rec.ApplyEstimate(rec.Estimate().Revise(n)); err != nil {
		return nil, err
	}
	if err := s.records.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}

	ctx = logger.SetRecordID(ctx, rec.ID)
	s.reindex(ctx, rec)
	s.decorate(rec)
	s.log(ctx).Info("Food record updated")
	return rec, nil
}

// DeleteRecord removes a record, its photo and its index entry. Photo and
// index cleanup failures are logged, not returned.
func (s *MealService) DeleteRecord(ctx context.Context, id string) error {
	rec, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := s.records.Delete(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete record: %w", err)
	}

	ctx = logger.SetRecordID(ctx, id)
	if rec.ImageKey != "" && s.storage != nil {
		if err := s.storage.Delete(ctx, rec.ImageKey); err != nil {
			s.log(ctx).WithField("storage_key", rec.ImageKey).WithError(err).Warn("Failed to delete photo")
		}
	}
	if s.index != nil {
		if err := s.index.Remove(ctx, id); err != nil {
			s.log(ctx).WithError(err).Warn("Failed to remove record from similarity index")
		}
	}
	s.log(ctx).Info("Food record deleted")
	return nil
}

// GetRecord returns a single record.
func (s *MealService) GetRecord(ctx context.Context, id string) (*domain.FoodRecord, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.decorate(rec)
	return rec, nil
}

// RecordImage returns the stored photo of a record and its content type.
func (s *MealService) RecordImage(ctx context.Context, id string) ([]byte, string, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, "", err
	}

	contentType := rec.ImageContentType
	if contentType == "" {
		contentType = imaging.ContentType
	}

	switch {
	case len(rec.ImageData) > 0:
		return rec.ImageData, contentType, nil
	case rec.ImageKey != "" && s.storage != nil:
		body, err := s.storage.Download(ctx, rec.ImageKey)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				return nil, "", fmt.Errorf("%w: photo missing from storage", ErrNotFound)
			}
			return nil, "", err
		}
		defer body.Close()
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read photo: %w", err)
		}
		return data, contentType, nil
	default:
		return nil, "", fmt.Errorf("%w: record has no photo", ErrNotFound)
	}
}

// RecentRecords returns the latest records, newest first.
func (s *MealService) RecentRecords(ctx context.Context, limit int) ([]domain.FoodRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	recs, err := s.records.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	s.decorateAll(recs)
	return recs, nil
}

// DayRecords returns the records of the calendar day containing day, with
// totals.
func (s *MealService) DayRecords(ctx context.Context, day time.Time) (*domain.DayLog, error) {
	start := s.StartOfDay(day)
	recs, err := s.records.ListBetween(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	s.decorateAll(recs)

	dayLog := &domain.DayLog{Date: start.Format(DateLayout), Day: start, Records: recs}
	for i := range recs {
		dayLog.Totals.Add(&recs[i])
	}
	return dayLog, nil
}

// History returns the days between from and to (inclusive) that have
// records, newest day first, each with its totals.
func (s *MealService) History(ctx context.Context, from, to time.Time) ([]domain.DayLog, error) {
	start := s.StartOfDay(from)
	end := s.StartOfDay(to).AddDate(0, 0, 1)
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: from is after to", ErrInvalidRange)
	}
	if end.Sub(start) > maxHistoryDays*24*time.Hour+time.Hour {
		return nil, fmt.Errorf("%w: range exceeds %d days", ErrInvalidRange, maxHistoryDays)
	}

	recs, err := s.records.ListBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	s.decorateAll(recs)

	days := make([]domain.DayLog, 0)
	for i := range recs {
		day := s.StartOfDay(recs[i].CapturedAt)
		if len(days) == 0 || !days[len(days)-1].Day.Equal(day) {
			days = append(days, domain.DayLog{Date: day.Format(DateLayout), Day: day})
		}
		cur := &days[len(days)-1]
		cur.Records = append(cur.Records, recs[i])
		cur.Totals.Add(&recs[i])
	}
	return days, nil
}

// DailySummary is the calorie and macro total of one day.
type DailySummary struct {
	Date   string                 `json:"date"`
	Totals domain.NutritionTotals `json:"totals"`
}

// DailySummary totals the records of the calendar day containing day.
func (s *MealService) DailySummary(ctx context.Context, day time.Time) (*DailySummary, error) {
	start := s.StartOfDay(day)
	totals, err := s.records.SumBetween(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to sum records: %w", err)
	}
	return &DailySummary{Date: start.Format(DateLayout), Totals: totals}, nil
}

// SimilarMeals finds meals that look like the record with the given ID.
func (s *MealService) SimilarMeals(ctx context.Context, id string, topK int) ([]SimilarMeal, error) {
	if s.index == nil {
		return nil, ErrSimilarityDisabled
	}
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.index.Similar(ctx, rec, topK)
}

// DateLayout is the calendar-day format used in day logs and query strings.
const DateLayout = "2006-01-02"

// ParseDay parses YYYY-MM-DD in the service time zone.
func (s *MealService) ParseDay(value string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, value, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not YYYY-MM-DD", ErrInvalidRange, value)
	}
	return t, nil
}

// StartOfDay returns local midnight of the day containing t.
func (s *MealService) StartOfDay(t time.Time) time.Time {
	t = t.In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}

func (s *MealService) load(ctx context.Context, id string) (*domain.FoodRecord, error) {
	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return rec, nil
}

func (s *MealService) reindex(ctx context.Context, rec *domain.FoodRecord) {
	if s.index == nil {
		return
	}
	if err := s.index.Index(ctx, rec); err != nil {
		s.log(ctx).WithError(err).Warn("Failed to index record for similarity search")
	}
}

// decorate fills the derived photo URL.
func (s *MealService) decorate(rec *domain.FoodRecord) {
	if rec.ImageKey != "" && s.storage != nil {
		rec.ImageURL = s.storage.GetURL(rec.ImageKey)
	}
}

func (s *MealService) decorateAll(recs []domain.FoodRecord) {
	for i := range recs {
		s.decorate(&recs[i])
	}
}
