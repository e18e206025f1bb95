package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"auth-service/internal/directory"
	"auth-service/internal/observability"
	"auth-service/internal/session"
)

type testEnv struct {
	service  *Service
	users    *directory.Memory
	sessions *session.Memory
	clock    *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		users:    directory.NewMemory(),
		sessions: session.NewMemory(),
		clock:    newTestClock(),
	}
	env.service = NewService(env.users, env.sessions, "test-secret").
		WithSecurityConfig(SecurityConfig{BcryptCost: bcrypt.MinCost}).
		WithLogger(observability.NewLoggerTo(io.Discard)).
		WithClock(env.clock.Now)
	return env
}

func (e *testEnv) signup(t *testing.T, username, password string) directory.Account {
	t.Helper()
	account, err := e.service.Signup(context.Background(), SignupInput{Username: username, Password: password})
	require.NoError(t, err)
	return account
}

func (e *testEnv) account(t *testing.T, id string) directory.Account {
	t.Helper()
	account, err := e.users.FindByID(context.Background(), id)
	require.NoError(t, err)
	return account
}

func TestService_SignupHashesPassword(t *testing.T) {
	env := newTestEnv(t)

	account := env.signup(t, "bob", "pw1-secret")
	assert.Empty(t, account.PasswordHash, "hash is never returned")
	assert.Equal(t, []string{"user"}, account.Role)

	stored := env.account(t, account.ID)
	assert.NotEqual(t, "pw1-secret", stored.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("pw1-secret")))
}

func TestService_SignupDuplicateUsername(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.Signup(ctx, SignupInput{Username: "bob", Password: "pw1"})
	require.NoError(t, err)

	_, err = env.service.Signup(ctx, SignupInput{Username: "bob", Password: "pw2"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.Equal(t, KindUsernameTaken, KindOf(err))
}

func TestService_SignupRejectsEmptyInput(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.Signup(context.Background(), SignupInput{Username: "  ", Password: "pw"})
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = env.service.Signup(context.Background(), SignupInput{Username: "carl", Password: ""})
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestService_LoginSuccessIssuesTokensAndSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.signup(t, "alice", "wonderland")

	tokens, err := env.service.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, int64(900), tokens.ExpiresIn)

	claims, err := env.service.VerifyAccess(tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, account.ID, claims.UserID)
	assert.Equal(t, []string{"user"}, claims.Role)

	record, err := env.sessions.Get(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, record.Valid)
	assert.Equal(t, tokens.AccessToken, record.AccessToken)
	assert.Equal(t, tokens.RefreshToken, record.RefreshToken)
}

func TestService_LoginUnknownUser(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.Login(context.Background(), "ghost", "whatever")
	assert.ErrorIs(t, err, ErrNoSuchUser)

	_, err = env.service.Login(context.Background(), "", "whatever")
	assert.ErrorIs(t, err, ErrNoSuchUser)
}

func TestService_LoginWrongPasswordCountsAttempts(t *testing.T) {
	env := newTestEnv(t)
	account := env.signup(t, "alice", "wonderland")

	for i := 1; i <= 3; i++ {
		_, err := env.service.Login(context.Background(), "alice", "nope")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		assert.Equal(t, i, env.account(t, account.ID).LoginAttempts)
	}
}

func TestService_LockoutAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.signup(t, "alice", "wonderland")

	for i := 0; i < 4; i++ {
		_, err := env.service.Login(ctx, "alice", "nope")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// The fifth failure engages the lock and is reported as such.
	_, err := env.service.Login(ctx, "alice", "nope")
	var locked ErrLoginLocked
	require.ErrorAs(t, err, &locked)
	assert.True(t, env.clock.now.Add(2*time.Hour).Equal(locked.Until))
	assert.ErrorIs(t, err, ErrAccountLocked)

	stored := env.account(t, account.ID)
	assert.Equal(t, 5, stored.LoginAttempts)
	require.NotNil(t, stored.LockUntil)

	// Correct password inside the window is still refused.
	env.clock.Advance(time.Hour)
	_, err = env.service.Login(ctx, "alice", "wonderland")
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.Equal(t, KindAccountLocked, KindOf(err))
	assert.Equal(t, 5, env.account(t, account.ID).LoginAttempts, "locked attempts do not touch the account")

	// After the lock runs out a correct password succeeds and resets state.
	env.clock.Advance(time.Hour + time.Second)
	_, err = env.service.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)

	stored = env.account(t, account.ID)
	assert.Equal(t, 0, stored.LoginAttempts)
	assert.Nil(t, stored.LockUntil)
}

func TestService_FailureAfterExpiredLockRestartsCount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.signup(t, "alice", "wonderland")

	for i := 0; i < 5; i++ {
		_, _ = env.service.Login(ctx, "alice", "nope")
	}
	env.clock.Advance(2*time.Hour + time.Second)

	_, err := env.service.Login(ctx, "alice", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	stored := env.account(t, account.ID)
	assert.Equal(t, 1, stored.LoginAttempts)
	assert.Nil(t, stored.LockUntil)
}

func TestService_SuccessfulLoginClearsPriorAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.signup(t, "alice", "wonderland")

	for i := 0; i < 4; i++ {
		_, _ = env.service.Login(ctx, "alice", "nope")
	}
	_, err := env.service.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, 0, env.account(t, account.ID).LoginAttempts)
}

func TestService_CleanLoginSkipsDirectoryWrite(t *testing.T) {
	env := newTestEnv(t)
	account := env.signup(t, "alice", "wonderland")
	before := env.account(t, account.ID).Version

	_, err := env.service.Login(context.Background(), "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, before, env.account(t, account.ID).Version)
}

func TestService_ConcurrentFailuresStillLock(t *testing.T) {
	env := newTestEnv(t)
	account := env.signup(t, "alice", "wonderland")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.service.Login(context.Background(), "alice", "nope")
		}()
	}
	wg.Wait()

	stored := env.account(t, account.ID)
	assert.Equal(t, 5, stored.LoginAttempts)
	require.NotNil(t, stored.LockUntil)

	_, err := env.service.Login(context.Background(), "alice", "wonderland")
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestService_RefreshIssuesAccessToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.signup(t, "alice", "wonderland")

	tokens, err := env.service.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)

	env.clock.Advance(20 * time.Minute)
	_, err = env.service.VerifyAccess(tokens.AccessToken)
	require.ErrorIs(t, err, ErrTokenExpired)

	refreshed, err := env.service.Refresh(ctx, tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.Empty(t, refreshed.RefreshToken, "refresh tokens are not rotated")

	claims, err := env.service.VerifyAccess(refreshed.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, account.ID, claims.UserID)
}

func TestService_RefreshResetsLoginAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.signup(t, "alice", "wonderland")

	tokens, err := env.service.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _ = env.service.Login(ctx, "alice", "nope")
	}
	require.Equal(t, 3, env.account(t, account.ID).LoginAttempts)

	_, err = env.service.Refresh(ctx, tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, 0, env.account(t, account.ID).LoginAttempts)
}

func TestService_RefreshAfterPasswordChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.signup(t, "alice", "wonderland")

	before, err := env.service.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)

	require.NoError(t, env.service.ChangePassword(ctx, account.ID, "wonderland", "looking-glass"))

	_, err = env.service.Refresh(ctx, before.RefreshToken)
	assert.ErrorIs(t, err, ErrPasswordChanged)
	assert.Equal(t, KindPasswordChanged, KindOf(err))

	record, err := env.sessions.Get(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, record.Valid, "password change invalidates the session record")

	after, err := env.service.Login(ctx, "alice", "looking-glass")
	require.NoError(t, err)
	_, err = env.service.Refresh(ctx, after.RefreshToken)
	assert.NoError(t, err)
}

func TestService_ChangePasswordRequiresCurrentPassword(t *testing.T) {
	env := newTestEnv(t)
	account := env.signup(t, "alice", "wonderland")

	err := env.service.ChangePassword(context.Background(), account.ID, "wrong", "new-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = env.service.ChangePassword(context.Background(), "missing", "wonderland", "new-password")
	assert.ErrorIs(t, err, ErrNoSuchUser)
}

func TestService_RefreshRejectsWrongTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.signup(t, "alice", "wonderland")

	tokens, err := env.service.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)

	_, err = env.service.Refresh(ctx, tokens.AccessToken)
	assert.ErrorIs(t, err, ErrTokenMalformed, "access tokens cannot refresh")

	_, err = env.service.Refresh(ctx, "garbage")
	assert.ErrorIs(t, err, ErrTokenMalformed)

	_, err = env.service.VerifyAccess(tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenMalformed, "refresh tokens cannot authorize")

	env.clock.Advance(7*24*time.Hour + time.Second)
	_, err = env.service.Refresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestService_RefreshWithRequiredActiveSession(t *testing.T) {
	env := newTestEnv(t)
	env.service.WithSecurityConfig(SecurityConfig{RequireActiveSession: true})
	ctx := context.Background()
	account := env.signup(t, "alice", "wonderland")

	tokens, err := env.service.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)

	_, err = env.service.Refresh(ctx, tokens.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, env.service.Logout(ctx, account.ID))
	_, err = env.service.Refresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestService_LogoutIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.signup(t, "alice", "wonderland")

	_, err := env.service.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)

	require.NoError(t, env.service.Logout(ctx, account.ID))
	record, err := env.sessions.Get(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, record.Valid)

	assert.NoError(t, env.service.Logout(ctx, account.ID))
	assert.NoError(t, env.service.Logout(ctx, "never-logged-in"))
}

func TestService_Bootstrap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.service.Bootstrap(ctx, "", ""))
	require.Error(t, env.service.Bootstrap(ctx, "admin", ""))

	require.NoError(t, env.service.Bootstrap(ctx, "admin", "admin-password"))
	require.NoError(t, env.service.Bootstrap(ctx, "admin", "admin-password"))

	account, err := env.users.FindByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, account.Role)
}

// flakyDirectory fails every call once failing is set, and can inject a
// number of version conflicts into Update.
type flakyDirectory struct {
	directory.Directory
	mu        sync.Mutex
	failing   bool
	conflicts int
}

var errBackend = errors.New("connection refused")

func (f *flakyDirectory) FindByUsername(ctx context.Context, username string) (directory.Account, error) {
	if f.isFailing() {
		return directory.Account{}, errBackend
	}
	return f.Directory.FindByUsername(ctx, username)
}

func (f *flakyDirectory) Update(ctx context.Context, account directory.Account) (directory.Account, error) {
	f.mu.Lock()
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return directory.Account{}, directory.ErrVersionConflict
	}
	f.mu.Unlock()
	return f.Directory.Update(ctx, account)
}

func (f *flakyDirectory) isFailing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failing
}

func TestService_StoreFailureSurfaces(t *testing.T) {
	users := &flakyDirectory{Directory: directory.NewMemory()}
	service := NewService(users, session.NewMemory(), "secret").
		WithSecurityConfig(SecurityConfig{BcryptCost: bcrypt.MinCost})

	_, err := service.Signup(context.Background(), SignupInput{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)

	users.failing = true
	_, err = service.Login(context.Background(), "alice", "wonderland")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, KindStoreUnavailable, KindOf(err))
}

func TestService_VersionConflictReappliesFailure(t *testing.T) {
	users := &flakyDirectory{Directory: directory.NewMemory()}
	service := NewService(users, session.NewMemory(), "secret").
		WithSecurityConfig(SecurityConfig{BcryptCost: bcrypt.MinCost})
	ctx := context.Background()

	account, err := service.Signup(ctx, SignupInput{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)

	users.conflicts = 2
	_, err = service.Login(ctx, "alice", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	stored, err := users.FindByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.LoginAttempts)

	users.conflicts = maxConflictRetries + 1
	_, err = service.Login(ctx, "alice", "nope")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, directory.ErrVersionConflict)
}

func TestService_ChangePasswordFailuresCountTowardLockout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.signup(t, "alice", "wonderland")

	for i := 1; i <= 4; i++ {
		err := env.service.ChangePassword(ctx, account.ID, "guess", "new-password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
		assert.Equal(t, i, env.account(t, account.ID).LoginAttempts)
	}

	err := env.service.ChangePassword(ctx, account.ID, "guess", "new-password")
	var locked ErrLoginLocked
	require.ErrorAs(t, err, &locked)
	assert.True(t, env.clock.now.Add(2*time.Hour).Equal(locked.Until))

	// The correct password does not get through while the lock holds.
	err = env.service.ChangePassword(ctx, account.ID, "wonderland", "new-password")
	assert.ErrorIs(t, err, ErrAccountLocked)

	_, err = env.service.Login(ctx, "alice", "wonderland")
	assert.ErrorIs(t, err, ErrAccountLocked)

	env.clock.Advance(2*time.Hour + time.Second)
	require.NoError(t, env.service.ChangePassword(ctx, account.ID, "wonderland", "new-password"))

	stored := env.account(t, account.ID)
	assert.Equal(t, 0, stored.LoginAttempts)
	assert.Nil(t, stored.LockUntil)
	assert.True(t, env.service.hasher.Verify("new-password", stored.PasswordHash))
}

func TestService_ChangePasswordRefusedAfterLoginLockout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.signup(t, "alice", "wonderland")

	for i := 0; i < 5; i++ {
		_, _ = env.service.Login(ctx, "alice", "nope")
	}

	err := env.service.ChangePassword(ctx, account.ID, "wonderland", "new-password")
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.True(t, env.service.hasher.Verify("wonderland", env.account(t, account.ID).PasswordHash),
		"password is unchanged")
}

func TestService_ChangePasswordClearsPriorAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.signup(t, "alice", "wonderland")

	for i := 0; i < 3; i++ {
		_, _ = env.service.Login(ctx, "alice", "nope")
	}
	require.NoError(t, env.service.ChangePassword(ctx, account.ID, "wonderland", "new-password"))
	assert.Equal(t, 0, env.account(t, account.ID).LoginAttempts)
}

func TestService_LockExpiryLoggedOnceUnderConflicts(t *testing.T) {
	var logs bytes.Buffer
	clock := newTestClock()
	users := &flakyDirectory{Directory: directory.NewMemory()}
	service := NewService(users, session.NewMemory(), "secret").
		WithSecurityConfig(SecurityConfig{BcryptCost: bcrypt.MinCost}).
		WithLogger(observability.NewLoggerTo(&logs)).
		WithClock(clock.Now)
	ctx := context.Background()

	_, err := service.Signup(ctx, SignupInput{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, _ = service.Login(ctx, "alice", "nope")
	}
	clock.Advance(2*time.Hour + time.Second)

	logs.Reset()
	users.conflicts = 2
	_, err = service.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(logs.String(), "account_lock_expired"))
}
