package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"holderbot/internal/config"
	"holderbot/internal/domain"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"
const defaultOpenAIModel = "gpt-4o-mini"

// ErrUnparseable is returned when the model answered but not with the
// expected JSON object. Callers record it; they never substitute a guess.
var ErrUnparseable = errors.New("unparseable vision reply")

// ImageInput is one photo handed to a vision model.
type ImageInput struct {
	HolderID  string
	Data      []byte
	MediaType string
}

// Prediction is the raw model answer. Labels are free text and still
// need the vocabulary mapper.
type Prediction struct {
	Labels      domain.Labels
	Confidence  *float64
	Description string
	VisualCues  []string
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Classifier labels a holder photo.
type Classifier interface {
	ClassifyImage(ctx context.Context, img ImageInput) (Prediction, Usage, error)
	Provider() string
	Model() string
}

// New returns the classifier for the configured provider.
func New(cfg config.Config, vocabularies [domain.NumAttributes][]string) (Classifier, error) {
	prompt := BuildPrompt(vocabularies)
	switch cfg.LLMProvider {
	case config.ProviderAnthropic:
		model := cfg.LLMModel
		if model == "" {
			model = defaultAnthropicModel
		}
		return NewAnthropic(cfg.AnthropicAPIKey, model, prompt), nil
	case config.ProviderOpenAI:
		model := cfg.LLMModel
		if model == "" {
			model = defaultOpenAIModel
		}
		return NewOpenAI(cfg.OpenAIAPIKey, model, prompt), nil
	}
	return nil, fmt.Errorf("no vision provider configured (llm_provider=%q)", cfg.LLMProvider)
}

type visionReply struct {
	Material    string          `json:"material"`
	Owner       string          `json:"owner"`
	Type        string          `json:"type"`
	Confidence  json.RawMessage `json:"confidence"`
	Description string          `json:"description"`
	VisualCues  []string        `json:"visual_cues"`
}

// ParseReply decodes the model's JSON answer, tolerating markdown fences
// and prose around the object.
func ParseReply(responseText string) (Prediction, error) {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	responseText = strings.TrimSpace(responseText)
	if start, end := strings.Index(responseText, "{"), strings.LastIndex(responseText, "}"); start >= 0 && end > start {
		responseText = responseText[start : end+1]
	}

	var reply visionReply
	if err := json.Unmarshal([]byte(responseText), &reply); err != nil {
		return Prediction{}, fmt.Errorf("%w: %v (response: %s)", ErrUnparseable, err, truncate(responseText, 200))
	}

	var p Prediction
	p.Labels.Set(domain.AttrMaterial, strings.TrimSpace(reply.Material))
	p.Labels.Set(domain.AttrOwner, strings.TrimSpace(reply.Owner))
	p.Labels.Set(domain.AttrType, strings.TrimSpace(reply.Type))
	p.Description = strings.TrimSpace(reply.Description)
	p.VisualCues = reply.VisualCues
	if p.Labels == (domain.Labels{}) {
		return Prediction{}, fmt.Errorf("%w: no attribute values in %s", ErrUnparseable, truncate(responseText, 200))
	}
	if c, ok := parseConfidence(reply.Confidence); ok {
		p.Confidence = domain.Float64Ptr(c)
	}
	return p, nil
}

// parseConfidence accepts a number or a numeric string, either as a
// fraction or as a percentage.
func parseConfidence(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		v = parsed
	}
	if math.IsNaN(v) || v < 0 {
		return 0, false
	}
	if v > 1 && v <= 100 {
		v /= 100
	}
	return math.Min(v, 1), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
