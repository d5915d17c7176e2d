package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"busticket-agent/internal/domain"
	"busticket-agent/internal/usecase"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
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

type userIDRequest struct {
	UserID string `json:"user_id"`
}

type userResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FullName  string `json:"full_name,omitempty"`
	CreatedAt string `json:"created_at"`
}

func toUserResponse(u domain.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		FullName:  u.FullName,
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// userID prefers the authenticated account over the id sent by the client.
func userID(c *gin.Context, fallback string) string {
	if claims, ok := claimsFrom(c); ok && claims.UserID != "" {
		return claims.UserID
	}
	return fallback
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := usecase.StatusCode(err)
	_ = c.Error(err)
	c.JSON(status, errorBody{Error: string(code)})
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, errorBody{Error: string(usecase.ErrorInvalidInput), Message: "invalid JSON body"})
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	out, err := s.deps.Chat.Chat(c.Request.Context(), usecase.ChatInput{
		Message:  req.Message,
		UserID:   userID(c, req.UserID),
		ThreadID: req.ThreadID,
	})
	if err != nil {
		if out.Response == "" {
			s.fail(c, err)
			return
		}
		status, code := usecase.StatusCode(err)
		_ = c.Error(err)
		c.JSON(status, chatResponse{ThreadID: out.ThreadID, Response: out.Response, Error: string(code)})
		return
	}
	c.JSON(http.StatusOK, chatResponse{ThreadID: out.ThreadID, Response: out.Response})
}

func (s *Server) handleCreateThread(c *gin.Context) {
	var req userIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	id, err := s.deps.Chat.CreateThread(c.Request.Context(), userID(c, req.UserID))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": id})
}

func (s *Server) handleListBookings(c *gin.Context) {
	bookings, err := s.deps.Tickets.ListBookings(c.Request.Context(), userID(c, c.Query("user_id")))
	if err != nil {
		s.fail(c, err)
		return
	}
	if bookings == nil {
		bookings = []domain.BookingRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"bookings": bookings})
}

func (s *Server) handleCancelBooking(c *gin.Context) {
	var req userIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	rec, err := s.deps.Tickets.CancelBooking(c.Request.Context(), userID(c, req.UserID), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleRegister(c *gin.Context) {
	var req usecase.RegisterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	u, err := s.deps.Accounts.Register(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toUserResponse(u))
}

func (s *Server) handleLogin(c *gin.Context) {
	var req usecase.LoginInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	token, err := s.deps.Accounts.Login(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

func (s *Server) handleMe(c *gin.Context) {
	claims, _ := claimsFrom(c)
	u, err := s.deps.Accounts.Me(c.Request.Context(), claims.Subject)
	if err != nil {
		s.log.Info("me lookup failed", zap.String("username", claims.Subject), zap.Error(err))
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toUserResponse(u))
}
