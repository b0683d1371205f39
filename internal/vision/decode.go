package vision

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/timmy/platecal/internal/domain"
)

// OpenAI-compatible Chat Completion API request/response structures
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []interface{} `json:"content"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imageContent struct {
	Type     string   `json:"type"`
	ImageURL imageURL `json:"image_url"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type errorEnvelope struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// mealAnalysis is the JSON object the model is asked to produce.
type mealAnalysis struct {
	FoodName    string   `json:"foodName"`
	Calories    float64  `json:"calories"`
	Protein     float64  `json:"protein"`
	Carbs       float64  `json:"carbs"`
	Fat         float64  `json:"fat"`
	Ingredients []string `json:"ingredients"`
}

var requiredFields = []string{"foodName", "calories", "protein", "carbs", "fat"}

// decodeEstimate turns a 2xx chat completion body into an estimate.
func decodeEstimate(body []byte) (*domain.NutritionEstimate, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse completion envelope: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}

	content := stripCodeFence(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("empty message content")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("parse analysis JSON: %w", err)
	}
	for _, field := range requiredFields {
		v, ok := raw[field]
		if !ok || string(v) == "null" {
			return nil, fmt.Errorf("missing required field %q", field)
		}
	}

	var a mealAnalysis
	if err := json.Unmarshal([]byte(content), &a); err != nil {
		return nil, fmt.Errorf("parse analysis fields: %w", err)
	}
	if a.Calories < 0 || math.IsNaN(a.Calories) || a.Calories > math.MaxInt32 {
		return nil, fmt.Errorf("calories out of range: %v", a.Calories)
	}

	n := domain.Nutrients{
		FoodName:    a.FoodName,
		Calories:    int(math.Round(a.Calories)),
		Protein:     a.Protein,
		Carbs:       a.Carbs,
		Fat:         a.Fat,
		Ingredients: a.Ingredients,
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return domain.NewNutritionEstimate(n), nil
}

// stripCodeFence removes a surrounding Markdown code fence, with or
// without a language tag.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// remoteMessage extracts {error:{message}} from a failed response, falling
// back to the status text.
func remoteMessage(body []byte, status string) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return status
}
