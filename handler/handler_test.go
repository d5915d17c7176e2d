package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"busticket-agent/internal/domain"
	"busticket-agent/internal/usecase"
)

type stubChat struct {
	out      usecase.ChatOutput
	err      error
	in       usecase.ChatInput
	threadID string
	userID   string
}

func (s *stubChat) Chat(_ context.Context, in usecase.ChatInput) (usecase.ChatOutput, error) {
	s.in = in
	return s.out, s.err
}

func (s *stubChat) CreateThread(_ context.Context, userID string) (string, error) {
	s.userID = userID
	return s.threadID, s.err
}

type stubTickets struct {
	list      []domain.BookingRecord
	cancelled domain.BookingRecord
	err       error
	userID    string
	bookingID string
}

func (s *stubTickets) ListBookings(_ context.Context, userID string) ([]domain.BookingRecord, error) {
	s.userID = userID
	return s.list, s.err
}

func (s *stubTickets) CancelBooking(_ context.Context, userID, bookingID string) (domain.BookingRecord, error) {
	s.userID, s.bookingID = userID, bookingID
	return s.cancelled, s.err
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, chat *stubChat, tickets *stubTickets) *Handler {
	t.Helper()
	h, err := NewHandler(chat, tickets, nil)
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, &stubTickets{}, nil)
	require.Error(t, err)
	_, err = NewHandler(&stubChat{}, nil, nil)
	require.Error(t, err)
}

func TestHandle_Chat_HappyPath(t *testing.T) {
	chat := &stubChat{out: usecase.ChatOutput{ThreadID: "t1", Response: "What is your name?"}}
	h := newTestHandler(t, chat, &stubTickets{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat", `{"message":"book a ticket","user_id":"u1","thread_id":"t1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.ChatInput{Message: "book a ticket", UserID: "u1", ThreadID: "t1"}, chat.in)

	out := parseBody[chatResponse](t, resp.Body)
	require.Equal(t, "t1", out.ThreadID)
	require.Equal(t, "What is your name?", out.Response)
	require.Empty(t, out.Error)
	require.NotEmpty(t, resp.Headers[correlationHeader])
}

func TestHandle_Chat_InvalidBody(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, &stubTickets{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
}

func TestHandle_Chat_MapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		out    usecase.ChatOutput
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "forbidden", out: usecase.ChatOutput{ThreadID: "t1", Response: "Sorry"}, err: &usecase.Error{Code: usecase.ErrorForbidden, Reason: "thread_owner_mismatch"}, status: http.StatusForbidden, code: string(usecase.ErrorForbidden)},
		{name: "storage", out: usecase.ChatOutput{ThreadID: "t1", Response: "Sorry"}, err: &usecase.Error{Code: usecase.ErrorStorageUnavailable, Reason: "conversation_read_error"}, status: http.StatusServiceUnavailable, code: string(usecase.ErrorStorageUnavailable)},
		{name: "upstream", out: usecase.ChatOutput{ThreadID: "t1", Response: "Sorry"}, err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "extract_llm_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "illegal state", out: usecase.ChatOutput{ThreadID: "t1", Response: "Sorry"}, err: &usecase.Error{Code: usecase.ErrorIllegalState, Reason: "draft_incomplete"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubChat{out: tc.out, err: tc.err}, &stubTickets{})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat", `{"message":"hi","user_id":"u1"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[chatResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
			require.Equal(t, tc.out.Response, out.Response)
		})
	}
}

func TestHandle_CreateThread(t *testing.T) {
	chat := &stubChat{threadID: "t-new"}
	h := newTestHandler(t, chat, &stubTickets{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/create-thread", `{"user_id":"u1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "u1", chat.userID)
	require.Equal(t, "t-new", parseBody[threadResponse](t, resp.Body).ThreadID)
}

func TestHandle_ListBookings(t *testing.T) {
	tickets := &stubTickets{}
	h := newTestHandler(t, &stubChat{}, tickets)

	event := makeEvent(http.MethodGet, "/bookings", "")
	event.QueryStringParameters = map[string]string{"user_id": "u1"}
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "u1", tickets.userID)
	require.JSONEq(t, `{"bookings":[]}`, resp.Body)
}

func TestHandle_CancelBooking(t *testing.T) {
	tickets := &stubTickets{cancelled: domain.BookingRecord{BookingID: "b1", Status: domain.BookingCancelled}}
	h := newTestHandler(t, &stubChat{}, tickets)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/bookings/b1/cancel", `{"user_id":"u1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "b1", tickets.bookingID)
	require.Equal(t, "u1", tickets.userID)
	require.Equal(t, domain.BookingCancelled, parseBody[domain.BookingRecord](t, resp.Body).Status)

	tickets.err = &usecase.Error{Code: usecase.ErrorNotFound, Reason: "booking_not_found"}
	resp, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/bookings/b2/cancel", `{"user_id":"u1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandle_UnknownRoute(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, &stubTickets{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/ask", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubChat{out: usecase.ChatOutput{ThreadID: "t1", Response: "ok"}}, &stubTickets{})

	event := makeEvent(http.MethodPost, "/chat", `{"message":"hi","user_id":"u1"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers[correlationHeader])
}
