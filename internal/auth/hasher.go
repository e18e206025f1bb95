package auth

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is the work factor used when none is configured.
const DefaultBcryptCost = 10

var errInvalidHashFormat = errors.New("invalid hash format")

// Hasher hashes and verifies passwords with bcrypt. It holds no state
// besides the cost and a lazily built hash used to equalise timing for
// unknown usernames.
type Hasher struct {
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &Hasher{cost: cost}
}

// Hash returns a salted bcrypt hash of plaintext.
func (h *Hasher) Hash(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", &Error{Kind: KindInvalidInput, Err: err}
		}
		return "", &Error{Kind: KindHashingFailure, Err: fmt.Errorf("hash password: %w", err)}
	}
	return string(hash), nil
}

// Verify reports whether plaintext matches hashed. A malformed hash never
// matches.
func (h *Hasher) Verify(plaintext, hashed string) bool {
	return h.compare(plaintext, hashed) == nil
}

func (h *Hasher) compare(plaintext, hashed string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plaintext))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return err
	default:
		return fmt.Errorf("%w: %v", errInvalidHashFormat, err)
	}
}

// burn spends one comparison's worth of work.
func (h *Hasher) burn(plaintext string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("unused-password-for-timing"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(plaintext))
}
