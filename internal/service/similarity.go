package service

import (
	"context"
	"fmt"

	"github.com/timmy/platecal/internal/domain"
	"github.com/timmy/platecal/internal/prompts"
	"github.com/timmy/platecal/internal/repository"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore persists meal vectors; satisfied by *repository.QdrantRepository.
type VectorStore interface {
	Upsert(ctx context.Context, pointID string, vector []float32, payload *repository.MealPayload) error
	Search(ctx context.Context, vector []float32, topK int, excludeID string) ([]repository.SearchResult, error)
	Delete(ctx context.Context, pointID string) error
}

// SimilarMeal is one nearest-neighbour hit.
type SimilarMeal struct {
	RecordID string  `json:"record_id"`
	FoodName string  `json:"food_name"`
	Calories int     `json:"calories"`
	Source   string  `json:"source"`
	Score    float32 `json:"score"`
}

// SimilarityService indexes meals by the embedding of their name and
// ingredients and finds look-alike meals.
type SimilarityService struct {
	embedder    Embedder
	store       VectorStore
	defaultTopK int
}

// NewSimilarityService creates a new similarity service.
func NewSimilarityService(embedder Embedder, store VectorStore, defaultTopK int) *SimilarityService {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	return &SimilarityService{
		embedder:    embedder,
		store:       store,
		defaultTopK: defaultTopK,
	}
}

// Index embeds rec and upserts it under its record ID.
func (s *SimilarityService) Index(ctx context.Context, rec *domain.FoodRecord) error {
	vector, err := s.embedder.Embed(ctx, prompts.MealEmbeddingText(rec.FoodName, rec.Ingredients))
	if err != nil {
		return fmt.Errorf("failed to embed meal: %w", err)
	}
	payload := &repository.MealPayload{
		RecordID: rec.ID,
		FoodName: rec.FoodName,
		Calories: rec.Calories,
		Source:   string(rec.Source),
	}
	if err := s.store.Upsert(ctx, rec.ID, vector, payload); err != nil {
		return err
	}
	return nil
}

// Remove drops a record from the index.
func (s *SimilarityService) Remove(ctx context.Context, recordID string) error {
	return s.store.Delete(ctx, recordID)
}

// Similar returns up to topK meals closest to rec, excluding rec itself.
// A non-positive topK uses the configured default.
func (s *SimilarityService) Similar(ctx context.Context, rec *domain.FoodRecord, topK int) ([]SimilarMeal, error) {
	if topK <= 0 {
		topK = s.defaultTopK
	}
	vector, err := s.embedder.Embed(ctx, prompts.MealEmbeddingText(rec.FoodName, rec.Ingredients))
	if err != nil {
		return nil, fmt.Errorf("failed to embed meal: %w", err)
	}

	hits, err := s.store.Search(ctx, vector, topK, rec.ID)
	if err != nil {
		return nil, err
	}

	meals := make([]SimilarMeal, 0, len(hits))
	for _, hit := range hits {
		if hit.Payload == nil || hit.Payload.RecordID == rec.ID {
			continue
		}
		meals = append(meals, SimilarMeal{
			RecordID: hit.Payload.RecordID,
			FoodName: hit.Payload.FoodName,
			Calories: hit.Payload.Calories,
			Source:   hit.Payload.Source,
			Score:    hit.Score,
		})
	}
	return meals, nil
}
