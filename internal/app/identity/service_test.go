package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gatherly/backend/internal/platform/auth"
)

type fakeRepo struct {
	users         map[string]User
	refreshByHash map[string]RefreshToken

	createErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:         map[string]User{},
		refreshByHash: map[string]RefreshToken{},
	}
}

func (f *fakeRepo) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeRepo) CreateUser(ctx context.Context, user User) error {
	if f.createErr != nil {
		return f.createErr
	}
	for _, u := range f.users {
		if u.Username == user.Username {
			return errors.New("duplicate")
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeRepo) FindUserByUsername(ctx context.Context, username string) (User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (f *fakeRepo) FindUserByID(ctx context.Context, userID string) (User, error) {
	u, ok := f.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (f *fakeRepo) UpdateProfile(ctx context.Context, userID, displayName, avatarURL string) error {
	u, ok := f.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.DisplayName = displayName
	u.AvatarURL = avatarURL
	f.users[userID] = u
	return nil
}

func (f *fakeRepo) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	f.refreshByHash[token.TokenHash] = token
	return nil
}

func (f *fakeRepo) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	t, ok := f.refreshByHash[tokenHash]
	if !ok || t.RevokedAt != nil {
		return RefreshToken{}, ErrNotFound
	}
	return t, nil
}

func (f *fakeRepo) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	for hash, t := range f.refreshByHash {
		if t.TokenID == tokenID {
			now := time.Now()
			t.RevokedAt = &now
			f.refreshByHash[hash] = t
		}
	}
	return nil
}

func (f *fakeRepo) RevokeRefreshTokensForUser(ctx context.Context, userID string) error {
	for hash, t := range f.refreshByHash {
		if t.UserID == userID {
			now := time.Now()
			t.RevokedAt = &now
			f.refreshByHash[hash] = t
		}
	}
	return nil
}

func (f *fakeRepo) PurgeExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	for hash, t := range f.refreshByHash {
		if t.ExpiresAt.Before(before) || t.RevokedAt != nil {
			delete(f.refreshByHash, hash)
			n++
		}
	}
	return n, nil
}

func newTestService(repo Repository) *Service {
	return NewService(repo, auth.NewManager("test-secret", time.Hour))
}

func TestRegisterIssuesSession(t *testing.T) {
	svc := newTestService(newFakeRepo())

	resp, err := svc.Register(context.Background(), "  Alice  ", "password123", "Alice A")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.Username != "alice" {
		t.Fatalf("Username = %q, want normalized", resp.Username)
	}
	if resp.DisplayName != "Alice A" {
		t.Fatalf("DisplayName = %q", resp.DisplayName)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("expected token pair")
	}

	claims, err := svc.AuthToken.Parse(resp.AccessToken)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != resp.UserID || claims.DisplayName != "Alice A" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(newFakeRepo())

	if _, err := svc.Register(context.Background(), "", "password123", ""); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("err = %v, want ErrInvalidUsername", err)
	}
	if _, err := svc.Register(context.Background(), "alice", "short", ""); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("err = %v, want ErrInvalidPassword", err)
	}
}

func TestRegisterDefaultsDisplayName(t *testing.T) {
	svc := newTestService(newFakeRepo())
	resp, err := svc.Register(context.Background(), "bob", "password123", "   ")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.DisplayName != "bob" {
		t.Fatalf("DisplayName = %q, want username fallback", resp.DisplayName)
	}
}

func TestLoginAndSessionChangeHook(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	var changed []string
	svc.OnSessionChange = func(userID string) { changed = append(changed, userID) }

	reg, err := svc.Register(context.Background(), "alice", "password123", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := svc.Login(context.Background(), "alice", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if len(changed) != 0 {
		t.Fatal("failed login must not fire the session-change hook")
	}

	resp, err := svc.Login(context.Background(), "ALICE ", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.UserID != reg.UserID {
		t.Fatalf("UserID = %q, want %q", resp.UserID, reg.UserID)
	}
	if len(changed) != 1 || changed[0] != reg.UserID {
		t.Fatalf("session-change hook fired %v", changed)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc := newTestService(newFakeRepo())

	reg, err := svc.Register(context.Background(), "alice", "password123", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	next, err := svc.Refresh(context.Background(), reg.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == reg.RefreshToken {
		t.Fatal("refresh must rotate the token")
	}

	// The old token is revoked and cannot be replayed.
	if _, err := svc.Refresh(context.Background(), reg.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("err = %v, want ErrInvalidRefreshToken", err)
	}
}

func TestLogoutRevokesAndNotifies(t *testing.T) {
	svc := newTestService(newFakeRepo())
	var changed []string
	svc.OnSessionChange = func(userID string) { changed = append(changed, userID) }

	reg, err := svc.Register(context.Background(), "alice", "password123", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	changed = nil

	if err := svc.Logout(context.Background(), reg.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if len(changed) != 1 || changed[0] != reg.UserID {
		t.Fatalf("session-change hook fired %v", changed)
	}

	// Logging out an unknown token is a no-op, not an error.
	if err := svc.Logout(context.Background(), reg.RefreshToken); err != nil {
		t.Fatalf("repeat Logout: %v", err)
	}
}
