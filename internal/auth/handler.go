package auth

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Roles are not client-controlled; public signups always get the default role.
type signupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type signupResponse struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Role     []string `json:"role"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type meResponse struct {
	UserID    string    `json:"user_id"`
	Role      []string  `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var body signupRequest
	if !decodeBody(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(body.Username)
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if len(body.Password) < 8 || len(body.Password) > 72 {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	account, err := h.service.Signup(r.Context(), SignupInput{
		Username: body.Username,
		Password: body.Password,
	})
	if err != nil {
		h.writeServiceError(w, err, "failed to sign up")
		return
	}

	writeJSON(w, http.StatusCreated, signupResponse{
		ID:       account.ID,
		Username: account.Username,
		Role:     account.Role,
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeBody(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(body.Username)
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		h.writeServiceError(w, err, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeBody(w, r, &body) {
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid refresh token")
		return
	}

	tokens, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		h.writeServiceError(w, err, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

// Logout requires an access token; the account id comes from its claims.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	if err := h.service.Logout(r.Context(), claims.UserID); err != nil {
		h.writeServiceError(w, err, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body changePasswordRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.NewPassword) < 8 || len(body.NewPassword) > 72 {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	if err := h.service.ChangePassword(r.Context(), claims.UserID, body.CurrentPassword, body.NewPassword); err != nil {
		h.writeServiceError(w, err, "failed to change password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	resp := meResponse{UserID: claims.UserID, Role: claims.Role}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

// writeServiceError maps error kinds to responses. Unknown usernames and
// wrong passwords share one response.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var lockedErr ErrLoginLocked
	if errors.As(err, &lockedErr) {
		retryAfter := int(math.Ceil(lockedErr.Until.Sub(h.service.now()).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeCodedError(w, http.StatusTooManyRequests, KindAccountLocked, "login temporarily locked")
		return
	}

	switch kind := KindOf(err); kind {
	case KindNoSuchUser, KindInvalidCredentials:
		writeCodedError(w, http.StatusUnauthorized, KindInvalidCredentials, "invalid credentials")
	case KindTokenExpired, KindTokenMalformed, KindSignatureInvalid, KindPasswordChanged, KindSessionRevoked:
		writeCodedError(w, http.StatusUnauthorized, kind, "invalid refresh token")
	case KindUsernameTaken:
		writeCodedError(w, http.StatusConflict, kind, "username already taken")
	case KindInvalidInput:
		writeCodedError(w, http.StatusBadRequest, kind, "invalid input")
	default:
		sentry.CaptureException(err)
		writeCodedError(w, http.StatusInternalServerError, kind, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeCodedError(w http.ResponseWriter, status int, kind Kind, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": string(kind)})
}
