package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"busticket-agent/internal/domain"
)

// bcrypt ignores input past this many bytes.
const maxPasswordBytes = 72

type RegisterInput struct {
	Username string `json:"username" validate:"required,min=3,max=50,alphanum"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	FullName string `json:"full_name" validate:"omitempty,max=100"`
}

type LoginInput struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AuthService implements account registration and password login.
type AuthService struct {
	users    UserStore
	hasher   PasswordHasher
	tokens   TokenIssuer
	validate *validator.Validate
	policy   callPolicy
	log      *zap.Logger
	now      func() time.Time
}

func NewAuthService(users UserStore, hasher PasswordHasher, tokens TokenIssuer, log *zap.Logger, timeout time.Duration) (*AuthService, error) {
	if users == nil {
		return nil, errors.New("usecase: user store must not be nil")
	}
	if hasher == nil {
		return nil, errors.New("usecase: password hasher must not be nil")
	}
	if tokens == nil {
		return nil, errors.New("usecase: token issuer must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthService{
		users:    users,
		hasher:   hasher,
		tokens:   tokens,
		validate: validator.New(),
		policy:   newCallPolicy(timeout, 0),
		log:      log,
		now:      time.Now,
	}, nil
}

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (domain.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.FullName = strings.TrimSpace(in.FullName)
	if err := s.validate.Struct(in); err != nil {
		return domain.User{}, newError(ErrorInvalidInput, "register_invalid", err)
	}
	if len(in.Password) > maxPasswordBytes {
		return domain.User{}, newError(ErrorInvalidInput, "password_too_long", nil)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return domain.User{}, newError(ErrorInternal, "password_hash_error", err)
	}
	u := domain.User{
		ID:           newUUID(),
		Username:     in.Username,
		Email:        in.Email,
		FullName:     in.FullName,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	err = s.policy.do(ctx, false, func(ctx context.Context) error {
		return s.users.CreateUser(ctx, u)
	})
	if errors.Is(err, domain.ErrConflict) {
		return domain.User{}, newError(ErrorConflict, "user_exists", err)
	}
	if err != nil {
		return domain.User{}, storageError("user_create_error", err)
	}
	s.log.Info("user registered", zap.String("user_id", u.ID))
	return u, nil
}

func (s *AuthService) Login(ctx context.Context, in LoginInput) (Token, error) {
	in.Username = strings.TrimSpace(in.Username)
	if err := s.validate.Struct(in); err != nil {
		return Token{}, newError(ErrorInvalidInput, "login_invalid", err)
	}

	u, err := s.lookup(ctx, in.Username)
	if err != nil {
		if CodeOf(err) == ErrorNotFound {
			return Token{}, newError(ErrorUnauthorized, "invalid_credentials", nil)
		}
		return Token{}, err
	}
	if !s.hasher.Verify(u.PasswordHash, in.Password) {
		return Token{}, newError(ErrorUnauthorized, "invalid_credentials", nil)
	}

	token, exp, err := s.tokens.Issue(u)
	if err != nil {
		return Token{}, newError(ErrorInternal, "token_issue_error", err)
	}
	return Token{AccessToken: token, TokenType: "bearer", ExpiresAt: exp}, nil
}

// Me returns the account for an authenticated username.
func (s *AuthService) Me(ctx context.Context, username string) (domain.User, error) {
	u, err := s.lookup(ctx, username)
	if err != nil && CodeOf(err) == ErrorNotFound {
		return domain.User{}, newError(ErrorUnauthorized, "user_gone", nil)
	}
	return u, err
}

func (s *AuthService) lookup(ctx context.Context, username string) (domain.User, error) {
	var u domain.User
	err := s.policy.do(ctx, true, func(ctx context.Context) error {
		var getErr error
		u, getErr = s.users.GetUserByUsername(ctx, username)
		return getErr
	})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, newError(ErrorNotFound, "user_not_found", err)
	}
	if err != nil {
		return domain.User{}, storageError("user_read_error", err)
	}
	return u, nil
}
