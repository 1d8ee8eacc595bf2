// Package advisor asks each worker persona for a yes/no referendum vote.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"

	"marscolony.ai/internal/external/openai"
	"marscolony.ai/internal/governance/model"
	"marscolony.ai/internal/logger"
)

const DefaultModel = "gpt-4.1-nano-2025-04-14"

const systemPrompt = `You are an AI worker voting in a referendum. Always reply with JSON like {"vote":"yes"} or {"vote":"no"}.`

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

type Advisor struct {
	chat  *openai.Client
	model string
	log   *logger.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(chat *openai.Client, modelName string, rng *rand.Rand, log *logger.Logger) *Advisor {
	if modelName == "" {
		modelName = DefaultModel
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Advisor{chat: chat, model: modelName, rng: rng, log: log.With("component", "advisor")}
}

// Vote returns the worker's answer. Without a key, or when the upstream call
// fails, the vote is a coin flip and err reports why.
func (a *Advisor) Vote(ctx context.Context, w model.Worker, owner, question string) (bool, error) {
	if !a.chat.Enabled() {
		return a.coin(), nil
	}
	user := fmt.Sprintf("Owner: %s\nName: %s\nRole: %s\nResume: %s\nBackstory: %s\nReferendum: %s",
		owner, w.Name, w.Role, w.Resume, w.Backstory, question)
	text, err := a.chat.Complete(ctx, openai.ChatRequest{
		Model: a.model,
		Messages: []openai.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Temperature:         1,
		MaxCompletionTokens: 100,
	})
	if err != nil {
		return a.coin(), err
	}
	return ParseVote(text), nil
}

// ParseVote reads {"vote":"yes"} style replies, falling back to a plain
// substring match. Anything unclear counts as no.
func ParseVote(text string) bool {
	if m := jsonObject.FindString(text); m != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(m), &obj); err == nil {
			v, _ := obj["vote"].(string)
			if v == "" {
				v, _ = obj["answer"].(string)
			}
			return strings.Contains(strings.ToLower(v), "yes")
		}
	}
	return strings.Contains(strings.ToLower(text), "yes")
}

func (a *Advisor) coin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Float64() < 0.5
}
