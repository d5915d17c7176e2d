package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"busticket-agent/internal/domain"
	"busticket-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	CreateThread(ctx context.Context, userID string) (string, error)
}

type TicketUseCase interface {
	ListBookings(ctx context.Context, userID string) ([]domain.BookingRecord, error)
	CancelBooking(ctx context.Context, userID, bookingID string) (domain.BookingRecord, error)
}

type chatRequest struct {
	Message  string `json:"message"`
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id"`
}

type chatResponse struct {
	ThreadID string `json:"thread_id"`
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

type threadRequest struct {
	UserID string `json:"user_id"`
}

type threadResponse struct {
	ThreadID string `json:"thread_id"`
}

type cancelRequest struct {
	UserID string `json:"user_id"`
}

type bookingsResponse struct {
	Bookings []domain.BookingRecord `json:"bookings"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Handler adapts API Gateway proxy events to the chat and ticket use cases.
type Handler struct {
	chat    ChatUseCase
	tickets TicketUseCase
	log     *zap.Logger
}

func NewHandler(chat ChatUseCase, tickets TicketUseCase, log *zap.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if tickets == nil {
		return nil, errors.New("handler: ticket use case must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{chat: chat, tickets: tickets, log: log}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := header(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	log := h.log.With(zap.String("correlation_id", corrID), zap.String("method", req.HTTPMethod), zap.String("path", req.Path))

	path := strings.TrimRight(req.Path, "/")
	var resp events.APIGatewayProxyResponse
	switch {
	case req.HTTPMethod == http.MethodPost && path == "/chat":
		resp = h.handleChat(ctx, log, req)
	case req.HTTPMethod == http.MethodPost && path == "/create-thread":
		resp = h.handleCreateThread(ctx, log, req)
	case req.HTTPMethod == http.MethodGet && path == "/bookings":
		resp = h.handleListBookings(ctx, log, req)
	case req.HTTPMethod == http.MethodPost && strings.HasPrefix(path, "/bookings/") && strings.HasSuffix(path, "/cancel"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/bookings/"), "/cancel")
		if v := req.PathParameters["id"]; v != "" {
			id = v
		}
		resp = h.handleCancel(ctx, log, req, id)
	default:
		resp = jsonResponse(http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Message: "route not found"})
	}
	resp.Headers[correlationHeader] = corrID
	return resp, nil
}

func (h *Handler) handleChat(ctx context.Context, log *zap.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var in chatRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		return badBody()
	}
	out, err := h.chat.Chat(ctx, usecase.ChatInput{Message: in.Message, UserID: in.UserID, ThreadID: in.ThreadID})
	if err != nil {
		status, code := usecase.StatusCode(err)
		log.Warn("chat request failed", zap.Int("status", status), zap.String("code", string(code)))
		if out.Response == "" {
			return jsonResponse(status, errorResponse{Error: string(code)})
		}
		return jsonResponse(status, chatResponse{ThreadID: out.ThreadID, Response: out.Response, Error: string(code)})
	}
	return jsonResponse(http.StatusOK, chatResponse{ThreadID: out.ThreadID, Response: out.Response})
}

func (h *Handler) handleCreateThread(ctx context.Context, log *zap.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var in threadRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		return badBody()
	}
	id, err := h.chat.CreateThread(ctx, in.UserID)
	if err != nil {
		return errorResult(log, err)
	}
	return jsonResponse(http.StatusOK, threadResponse{ThreadID: id})
}

func (h *Handler) handleListBookings(ctx context.Context, log *zap.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	bookings, err := h.tickets.ListBookings(ctx, req.QueryStringParameters["user_id"])
	if err != nil {
		return errorResult(log, err)
	}
	if bookings == nil {
		bookings = []domain.BookingRecord{}
	}
	return jsonResponse(http.StatusOK, bookingsResponse{Bookings: bookings})
}

func (h *Handler) handleCancel(ctx context.Context, log *zap.Logger, req events.APIGatewayProxyRequest, bookingID string) events.APIGatewayProxyResponse {
	var in cancelRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		return badBody()
	}
	rec, err := h.tickets.CancelBooking(ctx, in.UserID, bookingID)
	if err != nil {
		return errorResult(log, err)
	}
	return jsonResponse(http.StatusOK, rec)
}

func errorResult(log *zap.Logger, err error) events.APIGatewayProxyResponse {
	status, code := usecase.StatusCode(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("code", string(code)), zap.Error(err))
	} else {
		log.Info("request rejected", zap.String("code", string(code)), zap.Error(err))
	}
	return jsonResponse(status, errorResponse{Error: string(code)})
}

func badBody() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid JSON body"})
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

// header looks a header up case-insensitively.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
