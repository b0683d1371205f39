package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// RecordSource identifies how a food record was produced.
// Values include RecordSourceVision and RecordSourceManual.
type RecordSource string

const (
	RecordSourceVision RecordSource = "vision"
	RecordSourceManual RecordSource = "manual"
)

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the slice.
//   - error: non-nil if marshaling fails.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// FoodRecord is the persisted form of a NutritionEstimate plus its photo.
// The photo lives either in object storage (ImageKey) or inline (ImageData)
// when no object storage is configured.
type FoodRecord struct {
	ID               string       `gorm:"type:text;primaryKey" json:"id"`
	FoodName         string       `gorm:"type:text;not null" json:"food_name"`
	Calories         int          `gorm:"not null;default:0" json:"calories"`
	Protein          float64      `gorm:"not null;default:0" json:"protein"`
	Carbs            float64      `gorm:"not null;default:0" json:"carbs"`
	Fat              float64      `gorm:"not null;default:0" json:"fat"`
	Ingredients      StringArray  `gorm:"type:text" json:"ingredients"`
	CapturedAt       time.Time    `gorm:"not null;index:idx_food_records_captured_at" json:"captured_at"`
	Source           RecordSource `gorm:"type:text;not null;default:vision" json:"source"`
	Model            string       `gorm:"type:text" json:"model,omitempty"`
	ImageKey         string       `gorm:"type:text" json:"image_key,omitempty"`
	ImageData        []byte       `json:"-"`
	ImageContentType string       `gorm:"type:text" json:"image_content_type,omitempty"`
	ImageURL         string       `gorm:"-" json:"image_url,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// TableName returns the database table name for FoodRecord.
func (FoodRecord) TableName() string {
	return "food_records"
}

// HasImage reports whether a photo was stored with the record.
func (r *FoodRecord) HasImage() bool {
	return r.ImageKey != "" || len(r.ImageData) > 0
}

// NewFoodRecord copies an estimate into a record row. Photo fields are left
// for the caller to fill.
func NewFoodRecord(est *NutritionEstimate, source RecordSource) *FoodRecord {
	ingredients := make(StringArray, len(est.Ingredients))
	copy(ingredients, est.Ingredients)
	return &FoodRecord{
		ID:          est.ID,
		FoodName:    est.FoodName,
		Calories:    est.Calories,
		Protein:     est.Protein,
		Carbs:       est.Carbs,
		Fat:         est.Fat,
		Ingredients: ingredients,
		CapturedAt:  est.CapturedAt,
		Source:      source,
	}
}

// Estimate returns the nutrition values of the record as an estimate with the
// record's identifier and capture time.
func (r *FoodRecord) Estimate() *NutritionEstimate {
	ingredients := make([]string, len(r.Ingredients))
	copy(ingredients, r.Ingredients)
	return &NutritionEstimate{
		ID:          r.ID,
		FoodName:    r.FoodName,
		Calories:    r.Calories,
		Protein:     r.Protein,
		Carbs:       r.Carbs,
		Fat:         r.Fat,
		Ingredients: ingredients,
		CapturedAt:  r.CapturedAt,
	}
}

// ApplyEstimate overwrites the nutrition values of the record with est. The
// identifier and capture time must match; photo and bookkeeping fields are
// kept.
func (r *FoodRecord) ApplyEstimate(est *NutritionEstimate) error {
	if est.ID != r.ID {
		return errors.New("estimate does not belong to this record")
	}
	r.FoodName = est.FoodName
	r.Calories = est.Calories
	r.Protein = est.Protein
	r.Carbs = est.Carbs
	r.Fat = est.Fat
	r.Ingredients = append(StringArray{}, est.Ingredients...)
	return nil
}
