package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"auth-service/internal/directory"
	"auth-service/internal/observability"
	"auth-service/internal/session"
)

// maxConflictRetries bounds how often a lockout transition is reapplied
// after losing an optimistic-concurrency race on the same account.
const maxConflictRetries = 5

const defaultRole = "user"

// Service runs the signup, login, refresh and logout protocols on top of
// the account directory and the session store.
type Service struct {
	users    directory.Directory
	sessions session.Store
	logger   *observability.Logger

	jwtSecret string
	security  SecurityConfig
	now       func() time.Time

	hasher  *Hasher
	tracker *Tracker
	issuer  *Issuer
}

func NewService(users directory.Directory, sessions session.Store, jwtSecret string) *Service {
	s := &Service{
		users:     users,
		sessions:  sessions,
		jwtSecret: jwtSecret,
		security: SecurityConfig{
			MaxAttempts:  DefaultMaxAttempts,
			LockDuration: DefaultLockDuration,
			AccessTTL:    defaultAccessTTL,
			RefreshTTL:   defaultRefreshTTL,
			BcryptCost:   DefaultBcryptCost,
		},
		now: time.Now,
	}
	s.rebuild()
	return s
}

func (s *Service) WithSecurityConfig(cfg SecurityConfig) *Service {
	if cfg.MaxAttempts > 0 {
		s.security.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.LockDuration > 0 {
		s.security.LockDuration = cfg.LockDuration
	}
	if cfg.AccessTTL > 0 {
		s.security.AccessTTL = cfg.AccessTTL
	}
	if cfg.RefreshTTL > 0 {
		s.security.RefreshTTL = cfg.RefreshTTL
	}
	if cfg.BcryptCost > 0 {
		s.security.BcryptCost = cfg.BcryptCost
	}
	s.security.RequireActiveSession = cfg.RequireActiveSession
	s.rebuild()
	return s
}

func (s *Service) WithLogger(logger *observability.Logger) *Service {
	s.logger = logger
	return s
}

// WithClock replaces the time source for lock and token expiry.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.rebuild()
	return s
}

func (s *Service) rebuild() {
	s.hasher = NewHasher(s.security.BcryptCost)
	s.tracker = NewTracker(s.security.MaxAttempts, s.security.LockDuration, s.now)
	s.issuer = NewIssuer(s.jwtSecret, s.security.AccessTTL, s.security.RefreshTTL, s.now)
}

// Signup creates an account with a hashed password. The returned account
// never carries the hash.
func (s *Service) Signup(ctx context.Context, input SignupInput) (directory.Account, error) {
	username := strings.TrimSpace(input.Username)
	if username == "" || input.Password == "" {
		return directory.Account{}, &Error{Kind: KindInvalidInput, Err: errors.New("username and password are required")}
	}

	if _, err := s.users.FindByUsername(ctx, username); err == nil {
		return directory.Account{}, ErrUsernameTaken
	} else if !errors.Is(err, directory.ErrNotFound) {
		return directory.Account{}, storeError("find account", err)
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return directory.Account{}, err
	}

	role := input.Role
	if len(role) == 0 {
		role = []string{defaultRole}
	}

	account, err := s.users.Create(ctx, directory.Account{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
	})
	if err != nil {
		if errors.Is(err, directory.ErrUsernameTaken) {
			return directory.Account{}, ErrUsernameTaken
		}
		return directory.Account{}, storeError("create account", err)
	}

	s.logger.Info("account_created", map[string]any{"user_id": account.ID})

	account.PasswordHash = ""
	return account, nil
}

// Login verifies the password under the lockout rules and, on success,
// issues a token pair and records it in the session store.
func (s *Service) Login(ctx context.Context, username, password string) (Tokens, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Tokens{}, ErrNoSuchUser
	}

	account, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			s.hasher.burn(password)
			return Tokens{}, ErrNoSuchUser
		}
		return Tokens{}, storeError("find account", err)
	}

	account, err = s.authenticate(ctx, account, password, "login")
	if err != nil {
		return Tokens{}, err
	}

	return s.issueSession(ctx, account)
}

// authenticate checks password against the account under the lockout rules
// and persists the resulting attempt counter and lock. On a match it returns
// the stored account.
func (s *Service) authenticate(ctx context.Context, account directory.Account, password, operation string) (directory.Account, error) {
	var verifiedHash string
	var matched bool
	for attempt := 0; ; attempt++ {
		check := s.tracker.CheckLock(account)
		if check.Locked {
			return directory.Account{}, ErrLoginLocked{Until: *check.Account.LockUntil}
		}
		current := check.Account

		if attempt == 0 || current.PasswordHash != verifiedHash {
			matched = s.hasher.Verify(password, current.PasswordHash)
			verifiedHash = current.PasswordHash
		}

		var next directory.Account
		if matched {
			next = s.tracker.RecordSuccess(current)
		} else {
			next = s.tracker.RecordFailure(current)
		}

		if check.Expired || lockStateChanged(account, next) {
			saved, err := s.users.Update(ctx, next)
			if errors.Is(err, directory.ErrVersionConflict) && attempt < maxConflictRetries {
				account, err = s.users.FindByID(ctx, account.ID)
				if err != nil {
					return directory.Account{}, storeError("reload account", err)
				}
				continue
			}
			if err != nil {
				return directory.Account{}, storeError("update account", err)
			}
			next = saved

			if check.Expired {
				s.logger.Info("account_lock_expired", map[string]any{"user_id": next.ID})
			}
		}

		if !matched {
			if next.IsLocked(s.now()) {
				s.logger.Warn("account_locked", map[string]any{
					"user_id":    next.ID,
					"operation":  operation,
					"attempts":   next.LoginAttempts,
					"lock_until": next.LockUntil.Format(time.RFC3339),
				})
				return directory.Account{}, ErrLoginLocked{Until: *next.LockUntil}
			}
			s.logger.Info("login_failed", map[string]any{
				"user_id":   next.ID,
				"operation": operation,
				"attempts":  next.LoginAttempts,
			})
			return directory.Account{}, ErrInvalidCredentials
		}

		return next, nil
	}
}

// Refresh mints a new access token from a refresh token whose rotation key
// still matches the account's current password. The refresh token itself is
// not rotated.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	claims, err := s.issuer.Verify(refreshToken)
	if err != nil {
		return Tokens{}, err
	}
	if claims.Type != TokenRefresh {
		return Tokens{}, tokenError(KindTokenMalformed, errors.New("not a refresh token"))
	}

	account, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return Tokens{}, ErrNoSuchUser
		}
		return Tokens{}, storeError("find account", err)
	}

	if err := s.checkRotationKey(claims, account); err != nil {
		return Tokens{}, err
	}

	if s.security.RequireActiveSession {
		record, err := s.sessions.Get(ctx, account.ID)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return Tokens{}, storeError("get session", err)
		}
		if err != nil || !record.Valid || record.RefreshToken != refreshToken {
			return Tokens{}, ErrSessionRevoked
		}
	}

	account, err = s.resetAttempts(ctx, claims, account)
	if err != nil {
		return Tokens{}, err
	}

	access, err := s.issuer.GenerateAccessToken(account.ID, account.Role)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.issuer.AccessTTL().Seconds()),
	}, nil
}

// Logout marks the account's session record invalid. Repeated calls and
// unknown ids succeed; only a store failure is reported.
func (s *Service) Logout(ctx context.Context, userID string) error {
	if err := s.sessions.Invalidate(ctx, userID); err != nil {
		s.logger.Error("session_invalidate_failed", map[string]any{"user_id": userID, "error": err.Error()})
		return storeError("invalidate session", err)
	}

	s.logger.Info("session_invalidated", map[string]any{"user_id": userID})
	return nil
}

// ChangePassword replaces the password after checking the current one
// under the same lockout rules as Login. Refresh tokens issued before the
// change stop working because their rotation key no longer matches.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if newPassword == "" {
		return &Error{Kind: KindInvalidInput, Err: errors.New("new password is required")}
	}

	account, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return ErrNoSuchUser
		}
		return storeError("find account", err)
	}

	account, err = s.authenticate(ctx, account, currentPassword, "change_password")
	if err != nil {
		return err
	}
	verifiedHash := account.PasswordHash

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		next := account.Clone()
		next.PasswordHash = hash

		_, err := s.users.Update(ctx, next)
		if errors.Is(err, directory.ErrVersionConflict) && attempt < maxConflictRetries {
			account, err = s.users.FindByID(ctx, userID)
			if err != nil {
				return storeError("reload account", err)
			}
			// A concurrent write may have locked the account or replaced
			// the password since it was verified.
			if account.IsLocked(s.now()) {
				return ErrLoginLocked{Until: *account.LockUntil}
			}
			if account.PasswordHash != verifiedHash {
				return ErrInvalidCredentials
			}
			continue
		}
		if err != nil {
			return storeError("update account", err)
		}
		break
	}

	s.logger.Info("password_changed", map[string]any{"user_id": userID})

	if err := s.sessions.Invalidate(ctx, userID); err != nil {
		return storeError("invalidate session", err)
	}
	return nil
}

// VerifyAccess validates an access token. Role comes from the token as
// issued and is not re-read from the directory.
func (s *Service) VerifyAccess(accessToken string) (*Claims, error) {
	claims, err := s.issuer.Verify(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenAccess {
		return nil, tokenError(KindTokenMalformed, errors.New("not an access token"))
	}
	return claims, nil
}

// Bootstrap creates the given account unless the username already exists.
// Both values empty is a no-op.
func (s *Service) Bootstrap(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	_, err := s.Signup(ctx, SignupInput{Username: username, Password: password, Role: []string{"admin"}})
	if errors.Is(err, ErrUsernameTaken) {
		return nil
	}
	return err
}

func (s *Service) issueSession(ctx context.Context, account directory.Account) (Tokens, error) {
	access, err := s.issuer.GenerateAccessToken(account.ID, account.Role)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := s.issuer.GenerateRefreshToken(account.ID, account.Role, account.PasswordHash)
	if err != nil {
		return Tokens{}, err
	}

	err = s.sessions.Put(ctx, account.ID, session.Record{
		AccessToken:  access,
		RefreshToken: refresh,
		Valid:        true,
	})
	if err != nil {
		return Tokens{}, storeError("put session", err)
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.issuer.AccessTTL().Seconds()),
	}, nil
}

func (s *Service) checkRotationKey(claims *Claims, account directory.Account) error {
	ok, err := s.issuer.MatchesPassword(claims, account.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPasswordChanged
	}
	return nil
}

// resetAttempts clears the failed-attempt counter after a refresh token
// proved knowledge of the current password.
func (s *Service) resetAttempts(ctx context.Context, claims *Claims, account directory.Account) (directory.Account, error) {
	for attempt := 0; account.LoginAttempts != 0; attempt++ {
		next := account.Clone()
		next.LoginAttempts = 0

		saved, err := s.users.Update(ctx, next)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, directory.ErrVersionConflict) || attempt >= maxConflictRetries {
			return directory.Account{}, storeError("update account", err)
		}

		account, err = s.users.FindByID(ctx, account.ID)
		if err != nil {
			return directory.Account{}, storeError("reload account", err)
		}
		if err := s.checkRotationKey(claims, account); err != nil {
			return directory.Account{}, err
		}
	}
	return account, nil
}

func lockStateChanged(before, after directory.Account) bool {
	if before.LoginAttempts != after.LoginAttempts {
		return true
	}
	if (before.LockUntil == nil) != (after.LockUntil == nil) {
		return true
	}
	return before.LockUntil != nil && !before.LockUntil.Equal(*after.LockUntil)
}
