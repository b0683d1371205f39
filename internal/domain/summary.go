package domain

import "time"

// NutritionTotals aggregates calories and macros over a set of records.
type NutritionTotals struct {
	Count    int     `json:"count"`
	Calories int     `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
}

// Add accumulates one record into the totals.
func (t *NutritionTotals) Add(r *FoodRecord) {
	t.Count++
	t.Calories += r.Calories
	t.Protein += r.Protein
	t.Carbs += r.Carbs
	t.Fat += r.Fat
}

// DayLog is the set of records captured on one calendar day.
type DayLog struct {
	Date    string          `json:"date"` // YYYY-MM-DD in the journal's time zone
	Day     time.Time       `json:"-"`
	Records []FoodRecord    `json:"records"`
	Totals  NutritionTotals `json:"totals"`
}
