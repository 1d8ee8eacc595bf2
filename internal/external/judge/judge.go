// Package judge asks an external evaluator whether an approved proposal is
// feasible given the local environment, and how much it actually yields.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"marscolony.ai/internal/external/openai"
	"marscolony.ai/internal/governance/model"
	"marscolony.ai/internal/logger"
)

const DefaultModel = "gpt-4.1"

const systemPrompt = `In a game set on Mars you are the project evaluator. The ecosystem values range from 0 to 1; ` +
	`values near 0 or 1 are extreme and the middle is good. Based on the ecosystem and the project details decide ` +
	`whether the project is feasible and, if so, the deterministic final gains within the declared ranges. ` +
	`Reply with a JSON object {"feasible": bool, "gains": {"hydration": 1-9, "oxygen": 1-9, "health": 1-9, "money": 100}}. ` +
	`If the project is not feasible set "gains" to a short reason.`

// Client is what the resolution orchestrator needs from a judge.
type Client interface {
	Judge(ctx context.Context, ecosystem map[string]float64, p model.Proposal) (model.Judgment, error)
}

type Judge struct {
	chat  *openai.Client
	model string
	log   *logger.Logger
}

func New(chat *openai.Client, modelName string, log *logger.Logger) *Judge {
	if modelName == "" {
		modelName = DefaultModel
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Judge{chat: chat, model: modelName, log: log.With("component", "judge")}
}

// Infeasible is returned alongside every error.
func Infeasible(reason string) model.Judgment {
	return model.Judgment{Feasible: false, Reason: reason}
}

// Declared is the keyless verdict: feasible with the midpoint of each
// declared gain range.
func Declared(p model.Proposal) model.Judgment {
	gains := make(map[string]float64, len(p.Gains))
	for k, r := range p.Gains {
		gains[k] = r.Mid()
	}
	return model.Judgment{Feasible: true, Gains: gains}
}

func (j *Judge) Judge(ctx context.Context, ecosystem map[string]float64, p model.Proposal) (model.Judgment, error) {
	if !j.chat.Enabled() {
		return Declared(p), nil
	}
	user, err := json.Marshal(struct {
		Ecosystem map[string]float64 `json:"ecosystem"`
		Proposal  model.Proposal     `json:"proposal"`
	}{ecosystem, p})
	if err != nil {
		return Infeasible("encode request"), err
	}
	text, err := j.chat.Complete(ctx, openai.ChatRequest{
		Model: j.model,
		Messages: []openai.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(user)},
		},
		ResponseFormat:      &openai.ResponseFormat{Type: "json_object"},
		Temperature:         1,
		MaxCompletionTokens: 2048,
		TopP:                1,
	})
	if err != nil {
		return Infeasible("judge unavailable"), err
	}
	if strings.TrimSpace(text) == "" {
		return Infeasible("empty verdict"), fmt.Errorf("judge returned no content")
	}
	out, err := Parse([]byte(text))
	if err != nil {
		return Infeasible("unreadable verdict"), err
	}
	j.log.Info("proposal judged", "proposal", p.ID, "feasible", out.Feasible)
	return out, nil
}

// Parse reads a verdict. gains may be an object of numbers or, for
// infeasible projects, a string holding the reason.
func Parse(b []byte) (model.Judgment, error) {
	var raw struct {
		Feasible bool            `json:"feasible"`
		Gains    json.RawMessage `json:"gains"`
		Reason   string          `json:"reason"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return model.Judgment{}, fmt.Errorf("decode verdict: %w", err)
	}
	out := model.Judgment{Feasible: raw.Feasible, Reason: raw.Reason}
	g := bytes.TrimSpace(raw.Gains)
	switch {
	case len(g) == 0 || bytes.Equal(g, []byte("null")):
	case g[0] == '"':
		var reason string
		if err := json.Unmarshal(g, &reason); err == nil && out.Reason == "" {
			out.Reason = reason
		}
	case g[0] == '{':
		var m map[string]any
		if err := json.Unmarshal(g, &m); err != nil {
			return model.Judgment{}, fmt.Errorf("decode gains: %w", err)
		}
		out.Gains = map[string]float64{}
		for k, v := range m {
			if f, ok := v.(float64); ok {
				out.Gains[k] = f
			}
		}
	}
	return out, nil
}
