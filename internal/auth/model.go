package auth

import "time"

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type SignupInput struct {
	Username string
	Password string
	Role     []string
}

// SecurityConfig overrides the service defaults. Zero values keep the default.
type SecurityConfig struct {
	MaxAttempts          int
	LockDuration         time.Duration
	AccessTTL            time.Duration
	RefreshTTL           time.Duration
	BcryptCost           int
	RequireActiveSession bool
}
