package usecase

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"busticket-agent/internal/domain"
)

func TestIntentRouter_Classify(t *testing.T) {
	cases := []struct {
		raw  string
		want domain.Intent
	}{
		{"book_ticket", domain.IntentBookTicket},
		{"  View_Ticket\n", domain.IntentViewTicket},
		{"\"cancel_ticket\".", domain.IntentCancelTicket},
		{"Intent: provider_info", domain.IntentProviderInfo},
		{"search_buses", domain.IntentAskInfo},
		{"ask info", domain.IntentAskInfo},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			r, err := NewIntentRouter(&fakeLLM{intent: tc.raw}, nil, 0, 0)
			require.NoError(t, err)
			got, err := r.Classify(context.Background(), "hello", nil)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestIntentRouter_UnknownLabelDefaultsToAskInfo(t *testing.T) {
	r, err := NewIntentRouter(&fakeLLM{intent: "order_pizza"}, nil, 0, 0)
	require.NoError(t, err)

	got, err := r.Classify(context.Background(), "hungry", nil)
	require.Error(t, err)
	require.Equal(t, ErrorIntentClassification, CodeOf(err))
	require.Equal(t, domain.IntentAskInfo, got)
}

func TestIntentRouter_PromptCarriesHistory(t *testing.T) {
	llm := &fakeLLM{intent: "book_ticket"}
	r, err := NewIntentRouter(llm, nil, 0, 0)
	require.NoError(t, err)

	_, err = r.Classify(context.Background(), "2 seats", []domain.Turn{{User: "I need a bus", Assistant: "Where to?"}})
	require.NoError(t, err)
	prompt := llm.lastPrompt()
	require.Contains(t, prompt, "User: I need a bus")
	require.Contains(t, prompt, "Assistant: Where to?")
	require.Contains(t, prompt, "Latest message: 2 seats")
	for _, i := range domain.Intents() {
		require.Contains(t, prompt, "- "+string(i))
	}
}

func TestIntentRouter_UpstreamErrors(t *testing.T) {
	cases := []struct {
		name string
		errs []error
		want ErrorCode
	}{
		{"timeout twice", []error{context.DeadlineExceeded, context.DeadlineExceeded}, ErrorDependencyTimeout},
		{"rate limited", []error{statusErr{http.StatusTooManyRequests}}, ErrorRateLimited},
		{"other", []error{errors.New("bad gateway")}, ErrorUpstream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := NewIntentRouter(&fakeLLM{intent: "book_ticket", intentErrs: tc.errs}, nil, 0, 0)
			require.NoError(t, err)
			_, err = r.Classify(context.Background(), "hi", nil)
			require.Equal(t, tc.want, CodeOf(err))
		})
	}
}

func TestIntentRouter_TimeoutRetriedOnce(t *testing.T) {
	llm := &fakeLLM{intent: "view_ticket", intentErrs: []error{context.DeadlineExceeded}}
	r, err := NewIntentRouter(llm, nil, 0, 0)
	require.NoError(t, err)

	got, err := r.Classify(context.Background(), "my tickets", nil)
	require.NoError(t, err)
	require.Equal(t, domain.IntentViewTicket, got)
	require.Equal(t, 2, llm.count("intent"))
}
