package prompts

import (
	"fmt"
	"strings"
)

// ============================================================================
// Vision Prompts
// ============================================================================

// NutritionAnalysisPrompt is sent alongside every meal photo. The reply is
// parsed as JSON, so the field names here are part of the wire contract.
const NutritionAnalysisPrompt = `Analyze this food image and provide the following information in JSON format:
{
    "foodName": "name of the food",
    "calories": number,
    "protein": number in grams,
    "carbs": number in grams,
    "fat": number in grams,
    "ingredients": ["list", "of", "ingredients"]
}`

// ============================================================================
// Embedding Text
// ============================================================================

// MealEmbeddingText builds the text embedded for similar-meal search:
// "<foodName>: <ingredient>, <ingredient>".
func MealEmbeddingText(foodName string, ingredients []string) string {
	name := strings.TrimSpace(foodName)
	parts := make([]string, 0, len(ingredients))
	for _, ing := range ingredients {
		if s := strings.TrimSpace(ing); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return name
	}
	return fmt.Sprintf("%s: %s", name, strings.Join(parts, ", "))
}
