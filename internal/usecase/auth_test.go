package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"busticket-agent/internal/domain"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]domain.User
	err   error
}

func (m *memUsers) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, existing := range m.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return domain.ErrConflict
		}
	}
	m.users[u.Username] = u
	return nil
}

func (m *memUsers) GetUserByUsername(_ context.Context, username string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.User{}, m.err
	}
	u, ok := m.users[username]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

type plainHasher struct{}

func (plainHasher) Hash(pw string) (string, error) { return "hashed:" + pw, nil }
func (plainHasher) Verify(hash, pw string) bool    { return hash == "hashed:"+pw }

type fakeTokens struct{ err error }

func (f fakeTokens) Issue(u domain.User) (string, time.Time, error) {
	return "token-" + u.ID, testNow.Add(30 * time.Minute), f.err
}

func newAuthFixture(t *testing.T) (*AuthService, *memUsers) {
	t.Helper()
	users := &memUsers{users: map[string]domain.User{}}
	s, err := NewAuthService(users, plainHasher{}, fakeTokens{}, nil, 0)
	require.NoError(t, err)
	s.now = func() time.Time { return testNow }
	return s, users
}

func TestNewAuthService_ValidatesDependencies(t *testing.T) {
	_, err := NewAuthService(nil, plainHasher{}, fakeTokens{}, nil, 0)
	require.Error(t, err)
	_, err = NewAuthService(&memUsers{}, nil, fakeTokens{}, nil, 0)
	require.Error(t, err)
	_, err = NewAuthService(&memUsers{}, plainHasher{}, nil, nil, 0)
	require.Error(t, err)
}

func TestRegister(t *testing.T) {
	origUUID := newUUID
	newUUID = func() string { return "user-1" }
	t.Cleanup(func() { newUUID = origUUID })

	s, users := newAuthFixture(t)
	u, err := s.Register(context.Background(), RegisterInput{Username: "alice", Email: " Alice@Example.com ", Password: "password123", FullName: " Alice Rahman "})
	require.NoError(t, err)
	require.Equal(t, "user-1", u.ID)
	require.Equal(t, "alice@example.com", u.Email)
	require.Equal(t, "Alice Rahman", u.FullName)
	require.Equal(t, "hashed:password123", users.users["alice"].PasswordHash)
	require.Equal(t, testNow, u.CreatedAt)

	_, err = s.Register(context.Background(), RegisterInput{Username: "alice", Email: "other@example.com", Password: "password123"})
	require.Equal(t, ErrorConflict, CodeOf(err))
}

func TestRegister_Validation(t *testing.T) {
	s, _ := newAuthFixture(t)
	cases := map[string]RegisterInput{
		"short password": {Username: "alice", Email: "a@example.com", Password: "short"},
		"long password":  {Username: "alice", Email: "a@example.com", Password: strings.Repeat("p", 73)},
		"bad email":      {Username: "alice", Email: "not-an-email", Password: "password123"},
		"bad username":   {Username: "a!", Email: "a@example.com", Password: "password123"},
		"long full name": {Username: "alice", Email: "a@example.com", Password: "password123", FullName: strings.Repeat("n", 101)},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Register(context.Background(), in)
			require.Equal(t, ErrorInvalidInput, CodeOf(err))
		})
	}
}

func TestLogin(t *testing.T) {
	s, users := newAuthFixture(t)
	users.users["alice"] = domain.User{ID: "u1", Username: "alice", PasswordHash: "hashed:password123"}

	tok, err := s.Login(context.Background(), LoginInput{Username: "alice", Password: "password123"})
	require.NoError(t, err)
	require.Equal(t, "token-u1", tok.AccessToken)
	require.Equal(t, "bearer", tok.TokenType)
	require.Equal(t, testNow.Add(30*time.Minute), tok.ExpiresAt)

	_, err = s.Login(context.Background(), LoginInput{Username: "alice", Password: "wrong-password"})
	require.Equal(t, ErrorUnauthorized, CodeOf(err))

	_, err = s.Login(context.Background(), LoginInput{Username: "bob", Password: "password123"})
	require.Equal(t, ErrorUnauthorized, CodeOf(err))

	_, err = s.Login(context.Background(), LoginInput{})
	require.Equal(t, ErrorInvalidInput, CodeOf(err))

	users.err = errors.New("down")
	_, err = s.Login(context.Background(), LoginInput{Username: "alice", Password: "password123"})
	require.Equal(t, ErrorStorageUnavailable, CodeOf(err))
}

func TestMe(t *testing.T) {
	s, users := newAuthFixture(t)
	users.users["alice"] = domain.User{ID: "u1", Username: "alice"}

	u, err := s.Me(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)

	_, err = s.Me(context.Background(), "ghost")
	require.Equal(t, ErrorUnauthorized, CodeOf(err))
}
