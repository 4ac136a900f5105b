package drone

import (
	"context"
	"strings"
	"time"

	"github.com/hivecompute/hive/core/mesh/common"
)

// Backend executes one inference job against a locally held object. emit delivers token and
// progress events to the Queen; the returned string is the final result.
type Backend interface {
	Name() string
	Infer(ctx context.Context, obj *common.ContentObject, payload common.JobPayload, emit func(common.InferEvent) error) (string, error)
}

// EchoBackend streams the prompt back word by word. It stands in for a real model runtime in
// local swarms and tests.
type EchoBackend struct {
	// Delay is slept between tokens.
	Delay time.Duration
}

func (EchoBackend) Name() string { return "echo" }

func (b EchoBackend) Infer(ctx context.Context, obj *common.ContentObject, payload common.JobPayload, emit func(common.InferEvent) error) (string, error) {
	words := strings.Fields(payload.Prompt)
	if payload.MaxTokens > 0 && len(words) > payload.MaxTokens {
		words = words[:payload.MaxTokens]
	}

	for i, w := range words {
		if b.Delay > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(b.Delay):
			}
		}
		tok := w
		if i > 0 {
			tok = " " + w
		}
		if err := emit(common.InferEvent{Kind: common.InferToken, Token: tok}); err != nil {
			return "", err
		}
		if err := emit(common.InferEvent{Kind: common.InferProgress, Progress: float64(i+1) / float64(len(words))}); err != nil {
			return "", err
		}
	}
	return strings.Join(words, " "), nil
}
