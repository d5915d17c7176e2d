package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"busticket-agent/internal/domain"
)

// IntentRouter classifies messages into the closed intent set.
type IntentRouter struct {
	llm    TextGenerator
	policy callPolicy
	log    *zap.Logger
}

func NewIntentRouter(llm TextGenerator, log *zap.Logger, timeout, backoff time.Duration) (*IntentRouter, error) {
	if llm == nil {
		return nil, errors.New("usecase: text generator must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IntentRouter{llm: llm, policy: newCallPolicy(timeout, backoff), log: log}, nil
}

// Classify returns the intent of message. A label outside the closed set
// yields IntentAskInfo together with an ErrorIntentClassification error.
func (r *IntentRouter) Classify(ctx context.Context, message string, history []domain.Turn) (domain.Intent, error) {
	prompt := buildIntentPrompt(message, history)
	var raw string
	err := r.policy.do(ctx, true, func(ctx context.Context) error {
		var genErr error
		raw, genErr = r.llm.Generate(ctx, prompt, false)
		return genErr
	})
	if err != nil {
		return domain.IntentAskInfo, llmError("intent_llm_error", err)
	}

	intent, ok := parseIntent(raw)
	if !ok {
		r.log.Warn("intent label outside closed set, defaulting to ask_info", zap.String("label", raw))
		return domain.IntentAskInfo, newError(ErrorIntentClassification, "unknown_intent_label", fmt.Errorf("label %q", raw))
	}
	return intent, nil
}
