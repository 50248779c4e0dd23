package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vecino-dev/vecino/pkg/auth"
	"github.com/vecino-dev/vecino/pkg/httputil"
	"github.com/vecino-dev/vecino/pkg/observability"
)

// UserAuthenticator is the slice of the user store that login needs
type UserAuthenticator interface {
	GetUserByUsername(ctx context.Context, username string) (*auth.User, error)
	TouchLastLogin(ctx context.Context, userID int64) error
}

// AuthHandlers serves login and session introspection
type AuthHandlers struct {
	users    UserAuthenticator
	tokens   *auth.TokenManager
	throttle auth.LoginThrottle
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewAuthHandlers creates new authentication handlers
func NewAuthHandlers(users UserAuthenticator, tokens *auth.TokenManager, throttle auth.LoginThrottle, logger *observability.Logger, metrics *observability.Metrics) *AuthHandlers {
	return &AuthHandlers{
		users:    users,
		tokens:   tokens,
		throttle: throttle,
		logger:   logger,
		metrics:  metrics,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string     `json:"token"`
	User  *auth.User `json:"user"`
}

// Login authenticates a user. Attempts are throttled per client IP: the
// lockout is checked before credentials are consulted, so a locked-out IP
// learns nothing about whether the account exists.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Username, "username") {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	ip := clientIP(r)
	blocked, remaining, err := h.throttle.IsLocked(r.Context(), ip)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if blocked {
		h.writeLockout(w, ip, remaining)
		return
	}

	user, err := h.users.GetUserByUsername(r.Context(), req.Username)
	if err != nil && !errors.Is(err, auth.ErrUserNotFound) {
		httputil.WriteInternalError(w, err)
		return
	}
	if err == nil {
		err = auth.VerifyPassword(user, req.Password)
	} else {
		// burn a bcrypt comparison anyway so a missing account is not
		// distinguishable by response time
		auth.VerifyPassword(&auth.User{PasswordHash: dummyHash}, req.Password)
		err = auth.ErrInvalidCredentials
	}

	if err != nil {
		state, recordErr := h.throttle.RecordFailure(r.Context(), ip)
		if recordErr != nil {
			h.logger.WithError(recordErr).WithField("ip", ip).Warn("failed to record login failure")
		}
		if h.metrics != nil {
			h.metrics.LoginFailuresTotal.Inc()
		}
		if state.Blocked {
			h.writeLockout(w, ip, state.Remaining)
			return
		}
		httputil.WriteUnauthorized(w, "invalid credentials")
		return
	}

	if err := h.throttle.RecordSuccess(r.Context(), ip); err != nil {
		h.logger.WithError(err).WithField("ip", ip).Warn("failed to clear login throttle")
	}
	if err := h.users.TouchLastLogin(r.Context(), user.ID); err != nil {
		h.logger.WithError(err).WithField("user_id", user.ID).Warn("failed to stamp last login")
	}

	token, err := h.tokens.Issue(user)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteJSONOrError(w, http.StatusOK, loginResponse{Token: token, User: user}, "failed to encode login response")
}

// Me returns the authenticated user
func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOrError(w, http.StatusOK, RequestUser(r), "failed to encode user")
}

func (h *AuthHandlers) writeLockout(w http.ResponseWriter, ip string, remaining time.Duration) {
	if h.metrics != nil {
		h.metrics.LoginLockoutsTotal.Inc()
	}
	h.logger.WithFields(map[string]interface{}{
		"ip":        ip,
		"remaining": remaining.String(),
	}).Warn("login attempt while locked out")

	seconds := int(remaining.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	httputil.WriteTooManyRequests(w, fmt.Sprintf("too many failed attempts, try again in %s", remaining.Round(time.Second)))
}

// a real bcrypt hash of a random string, used only for timing equalization
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
