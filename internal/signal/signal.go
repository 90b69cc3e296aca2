// Package signal classifies the urgency of a message into a fixed label set.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/invopop/jsonschema"

	"github.com/ent0n29/shrink/internal/llm"
)

type Label string

const (
	Low       Label = "low"
	Medium    Label = "medium"
	High      Label = "high"
	Ambiguous Label = "ambiguous"
)

// Default is used downstream when prediction fails outright.
const Default = Medium

func (l Label) String() string { return string(l) }

// Normalize maps raw classifier output onto the label set. Anything it does not
// recognise becomes Ambiguous.
func Normalize(raw string) Label {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
	})
	switch Label(s) {
	case Low, Medium, High, Ambiguous:
		return Label(s)
	default:
		return Ambiguous
	}
}

type prediction struct {
	Signal string `json:"signal" jsonschema:"required,enum=low,enum=medium,enum=high,enum=ambiguous,description=Urgency of the message"`
}

const defaultInstructions = `Classify the emotional urgency of the user's message.
Answer with exactly one label: low, medium, high or ambiguous.`

// Predictor runs one structured classification call per message.
type Predictor struct {
	classifier   llm.Classifier
	model        string
	instructions string
	schema       map[string]any
}

func NewPredictor(classifier llm.Classifier, model string) *Predictor {
	return &Predictor{
		classifier:   classifier,
		model:        model,
		instructions: defaultInstructions,
		schema:       generateSchema[prediction](),
	}
}

// Predict returns an error only when the classifier could not be reached.
func (p *Predictor) Predict(ctx context.Context, text string) (Label, error) {
	out, err := p.classifier.Classify(ctx, llm.ClassifyRequest{
		Model:        p.model,
		Instructions: p.instructions,
		Input:        text,
		SchemaName:   "signal_prediction",
		Schema:       p.schema,
	})
	if err != nil {
		return "", fmt.Errorf("predict signal: %w", err)
	}
	var pred prediction
	if err := decodeModelJSON(out, &pred); err != nil {
		return Normalize(out), nil
	}
	return Normalize(pred.Signal), nil
}

func decodeModelJSON(outputText string, v any) error {
	s := strings.TrimSpace(outputText)
	if s == "" {
		return errors.New("empty model output")
	}
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end <= start {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}

func generateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	raw, err := reflector.Reflect(v).MarshalJSON()
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		panic(err)
	}
	// Strict structured output rejects $schema/$id at the root.
	delete(m, "$schema")
	delete(m, "$id")
	m["additionalProperties"] = false
	return m
}
