package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/vecino-dev/vecino/pkg/httputil"
	"github.com/vecino-dev/vecino/pkg/observability"
	"github.com/vecino-dev/vecino/pkg/subscriptions"
)

// LifecycleEngine is the slice of the subscription engine the handlers use
type LifecycleEngine interface {
	StartTrial(ctx context.Context, ownerID int64, days int) (*subscriptions.Subscription, error)
	Cancel(ctx context.Context, ownerID int64) error
	Activate(ctx context.Context, ownerID int64, until *time.Time) error
	CheckAndReconcile(ctx context.Context, ownerID int64) (subscriptions.Status, error)
	Get(ctx context.Context, ownerID int64) (*subscriptions.Subscription, error)
}

// SubscriptionHandlers serves subscription lifecycle actions
type SubscriptionHandlers struct {
	engine    LifecycleEngine
	trialDays int
	logger    *observability.Logger
}

// NewSubscriptionHandlers creates new subscription handlers
func NewSubscriptionHandlers(engine LifecycleEngine, trialDays int, logger *observability.Logger) *SubscriptionHandlers {
	if trialDays <= 0 {
		trialDays = 30
	}
	return &SubscriptionHandlers{
		engine:    engine,
		trialDays: trialDays,
		logger:    logger,
	}
}

// StartTrial creates or reactivates a trial for the caller
func (h *SubscriptionHandlers) StartTrial(w http.ResponseWriter, r *http.Request) {
	user := RequestUser(r)

	sub, err := h.engine.StartTrial(r.Context(), user.ID, h.trialDays)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"user_id":         user.ID,
		"subscription_id": sub.ID,
	}).Info("trial started")
	httputil.WriteJSONOrError(w, http.StatusCreated, sub, "failed to encode subscription")
}

// Cancel marks the caller's subscription cancelled
func (h *SubscriptionHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	user := RequestUser(r)

	if err := h.engine.Cancel(r.Context(), user.ID); err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.logger.WithField("user_id", user.ID).Info("subscription cancelled")
	httputil.WriteNoContent(w)
}

type activateRequest struct {
	Until *time.Time `json:"until,omitempty"`
}

// Activate reactivates the caller's subscription, restoring roles first
func (h *SubscriptionHandlers) Activate(w http.ResponseWriter, r *http.Request) {
	user := RequestUser(r)

	var req activateRequest
	if r.ContentLength > 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Until != nil && !req.Until.After(time.Now()) {
		httputil.WriteValidationError(w, "until must be in the future")
		return
	}

	if err := h.engine.Activate(r.Context(), user.ID, req.Until); err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.logger.WithField("user_id", user.ID).Info("subscription activated")
	httputil.WriteNoContent(w)
}

// Get reconciles and returns the caller's subscription
func (h *SubscriptionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	user := RequestUser(r)

	// reconcile first so the returned status is trustworthy
	if _, err := h.engine.CheckAndReconcile(r.Context(), user.ID); err != nil {
		h.writeEngineError(w, err)
		return
	}
	sub, err := h.engine.Get(r.Context(), user.ID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusOK, sub, "failed to encode subscription")
}

func (h *SubscriptionHandlers) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscriptions.ErrSubscriptionNotFound):
		httputil.WriteNotFoundError(w, "no subscription")
	case errors.Is(err, subscriptions.ErrTrialNotAllowed):
		httputil.WriteForbidden(w, err.Error())
	case errors.Is(err, subscriptions.ErrTryAgain):
		w.Header().Set("Retry-After", "1")
		httputil.WriteServiceUnavailable(w, "temporarily busy, try again")
	default:
		httputil.WriteInternalError(w, err)
	}
}
