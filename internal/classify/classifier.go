// Package classify asks a Gemini vision model whether a target object appears
// in a set of sampled frames, using a schema-constrained JSON response at
// temperature 0 so repeated runs over the same frames stay stable.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/fpang/frigate-ai-analyzer/internal/frames"
	"github.com/fpang/frigate-ai-analyzer/internal/metrics"
)

// DefaultModel is used when the settings document does not name one.
const DefaultModel = "gemini-2.5-flash"

// Fallback verdict values accompanying a ClassifierError. They are fixed
// constants: callers distinguish "classifier failed" from "genuinely low
// confidence" by the error, never by these values.
const (
	FallbackPresent     = false
	FallbackProbability = 0.0
)

// Verdict is the model's structured answer.
type Verdict struct {
	Present     bool    `json:"present"`
	Probability float64 `json:"probability"`
}

// Classifier holds a Gemini client for one API key + model pair. It is safe
// for concurrent use; rebuild it when the settings change.
type Classifier struct {
	client *genai.Client
	model  string
}

// New creates a Classifier. An empty apiKey is allowed — the Classifier is
// constructed unconfigured and every Classify call fails with
// KindNotConfigured until the key is set and the Classifier rebuilt, so the
// analyzer can start before the operator has entered a key.
func New(ctx context.Context, apiKey, model string) (*Classifier, error) {
	if model == "" {
		model = DefaultModel
	}
	if apiKey == "" {
		return &Classifier{model: model}, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}
	return &Classifier{client: client, model: model}, nil
}

// Configured reports whether the Classifier has a usable client.
func (c *Classifier) Configured() bool {
	return c != nil && c.client != nil
}

// Classify sends the frames and a fixed instruction prompt to the model and
// returns its verdict. On any failure it returns the fixed fallback verdict
// together with a *ClassifierError describing what went wrong.
func (c *Classifier) Classify(ctx context.Context, frameSet []frames.Frame, target string) (Verdict, error) {
	fallback := Verdict{Present: FallbackPresent, Probability: FallbackProbability}

	if !c.Configured() {
		return fallback, &ClassifierError{
			Kind:    KindNotConfigured,
			Message: "Gemini API key not configured",
		}
	}
	if len(frameSet) == 0 {
		return fallback, &ClassifierError{
			Kind:    KindBadResponse,
			Message: "no frames to classify",
		}
	}

	parts := make([]*genai.Part, 0, len(frameSet)+1)
	for _, f := range frameSet {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: "image/jpeg",
				Data:     f.JPEG,
			},
		})
	}
	parts = append(parts, &genai.Part{Text: buildPrompt(len(frameSet), target)})
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"present":     {Type: genai.TypeBoolean},
				"probability": {Type: genai.TypeNumber},
			},
			Required: []string{"present", "probability"},
		},
		Temperature: genai.Ptr[float32](0),
	}

	log.Debug().
		Str("model", c.model).
		Str("target", target).
		Int("frames", len(frameSet)).
		Msg("Starting Gemini classification call")

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	elapsed := time.Since(start)

	m := metrics.New().
		Dimension("Operation", "classify").
		Metric("GeminiApiLatencyMs", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds).
		Count("GeminiApiCalls")
	if err != nil {
		m.Count("GeminiApiErrors")
	}
	m.Flush()

	if err != nil {
		log.Error().Err(err).Dur("duration", elapsed).Msg("Gemini classification call failed")
		return fallback, classifyProviderError(err)
	}
	if resp == nil || resp.Text() == "" {
		log.Warn().Dur("duration", elapsed).Msg("Received empty response from Gemini")
		return fallback, &ClassifierError{
			Kind:    KindBadResponse,
			Message: "empty response from Gemini API",
		}
	}

	verdict, err := parseVerdict(resp.Text())
	if err != nil {
		log.Error().Err(err).Str("response", resp.Text()).Msg("Gemini response violated verdict schema")
		return fallback, err
	}

	log.Info().
		Str("target", target).
		Bool("present", verdict.Present).
		Float64("probability", verdict.Probability).
		Dur("duration", elapsed).
		Msg("Classification complete")

	return verdict, nil
}

// buildPrompt is the fixed instruction sent with every request.
func buildPrompt(frameCount int, target string) string {
	return fmt.Sprintf(
		"These are %d frames sampled in time order from a single security camera clip. "+
			"Does a %q appear in any of these frames? "+
			"Respond with only a JSON object matching the provided schema: "+
			"\"present\" (boolean, whether the object appears) and "+
			"\"probability\" (number between 0 and 1, your confidence that it is present).",
		frameCount, target,
	)
}

// parseVerdict validates the model's JSON against the expected schema. Both
// fields are required and probability must land in [0, 1]; anything else is a
// KindBadResponse failure, never silently defaulted.
func parseVerdict(text string) (Verdict, error) {
	fallback := Verdict{Present: FallbackPresent, Probability: FallbackProbability}

	var raw struct {
		Present     *bool    `json:"present"`
		Probability *float64 `json:"probability"`
	}
	if err := json.Unmarshal([]byte(stripMarkdownFences(text)), &raw); err != nil {
		return fallback, &ClassifierError{
			Kind:    KindBadResponse,
			Message: "response is not valid JSON",
			Err:     err,
		}
	}
	if raw.Present == nil || raw.Probability == nil {
		return fallback, &ClassifierError{
			Kind:    KindBadResponse,
			Message: "response is missing required verdict fields",
		}
	}
	if *raw.Probability < 0 || *raw.Probability > 1 {
		return fallback, &ClassifierError{
			Kind:    KindBadResponse,
			Message: fmt.Sprintf("probability %v outside [0,1]", *raw.Probability),
		}
	}
	return Verdict{Present: *raw.Present, Probability: *raw.Probability}, nil
}

// stripMarkdownFences removes ```json ... ``` wrapping if the model added it
// despite the JSON response mime type.
func stripMarkdownFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 3 {
		return text
	}
	end := len(lines) - 1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	return strings.Join(lines[1:end], "\n")
}
