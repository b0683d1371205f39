package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Nutrients holds the values that describe one serving of food.
type Nutrients struct {
	FoodName    string   `json:"food_name"`
	Calories    int      `json:"calories"`
	Protein     float64  `json:"protein"`
	Carbs       float64  `json:"carbs"`
	Fat         float64  `json:"fat"`
	Ingredients []string `json:"ingredients"`
}

// Validate checks that the name is set and every quantity is non-negative.
func (n Nutrients) Validate() error {
	if strings.TrimSpace(n.FoodName) == "" {
		return errors.New("food name is empty")
	}
	if n.Calories < 0 {
		return fmt.Errorf("calories must be non-negative, got %d", n.Calories)
	}
	for _, q := range []struct {
		name  string
		value float64
	}{
		{"protein", n.Protein},
		{"carbs", n.Carbs},
		{"fat", n.Fat},
	} {
		if q.value < 0 || math.IsNaN(q.value) || math.IsInf(q.value, 0) {
			return fmt.Errorf("%s must be a non-negative number, got %v", q.name, q.value)
		}
	}
	return nil
}

// NutritionEstimate is a single nutrition estimate for a photographed or
// manually entered meal. ID and CapturedAt are assigned once, by
// NewNutritionEstimate; an edit produces a new value through Revise.
type NutritionEstimate struct {
	ID          string    `json:"id"`
	FoodName    string    `json:"food_name"`
	Calories    int       `json:"calories"`
	Protein     float64   `json:"protein"`
	Carbs       float64   `json:"carbs"`
	Fat         float64   `json:"fat"`
	Ingredients []string  `json:"ingredients"`
	CapturedAt  time.Time `json:"captured_at"`
}

// NewNutritionEstimate creates an estimate with a fresh identifier and the
// current wall-clock time.
func NewNutritionEstimate(n Nutrients) *NutritionEstimate {
	return newEstimate(uuid.New().String(), time.Now(), n)
}

// Revise returns a new estimate that keeps the identifier and capture time
// of e and carries the values of n.
func (e *NutritionEstimate) Revise(n Nutrients) *NutritionEstimate {
	return newEstimate(e.ID, e.CapturedAt, n)
}

// Nutrients returns the values of the estimate without its identity.
func (e *NutritionEstimate) Nutrients() Nutrients {
	return Nutrients{
		FoodName:    e.FoodName,
		Calories:    e.Calories,
		Protein:     e.Protein,
		Carbs:       e.Carbs,
		Fat:         e.Fat,
		Ingredients: append([]string{}, e.Ingredients...),
	}
}

func newEstimate(id string, capturedAt time.Time, n Nutrients) *NutritionEstimate {
	ingredients := make([]string, 0, len(n.Ingredients))
	ingredients = append(ingredients, n.Ingredients...)
	return &NutritionEstimate{
		ID:          id,
		FoodName:    strings.TrimSpace(n.FoodName),
		Calories:    n.Calories,
		Protein:     n.Protein,
		Carbs:       n.Carbs,
		Fat:         n.Fat,
		Ingredients: ingredients,
		CapturedAt:  capturedAt,
	}
}
