package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/vecino-dev/vecino/pkg/communities"
	"github.com/vecino-dev/vecino/pkg/httputil"
	"github.com/vecino-dev/vecino/pkg/observability"
)

// MembershipService is the slice of the communities service the handlers use
type MembershipService interface {
	GetCommunity(ctx context.Context, id int64) (*communities.Community, error)
	GetCommunityByOwner(ctx context.Context, ownerID int64) (*communities.Community, error)
	GetMembershipByUser(ctx context.Context, userID int64) (*communities.Membership, error)
	CreateMembership(ctx context.Context, userID, communityID int64) (*communities.Membership, error)
	DeleteMembershipByUser(ctx context.Context, userID int64) (int64, error)
}

// MembershipHooks are the role side effects of membership changes. They are
// invoked here, explicitly, so the role dependency is visible in the call
// graph rather than hidden behind an event dispatcher.
type MembershipHooks interface {
	OnMembershipCreated(ctx context.Context, userID, communityID int64) error
	OnMembershipDestroyed(ctx context.Context, userID int64) error
}

// MembershipHandlers serves community join and leave
type MembershipHandlers struct {
	service MembershipService
	hooks   MembershipHooks
	logger  *observability.Logger
}

// NewMembershipHandlers creates new membership handlers
func NewMembershipHandlers(service MembershipService, hooks MembershipHooks, logger *observability.Logger) *MembershipHandlers {
	return &MembershipHandlers{
		service: service,
		hooks:   hooks,
		logger:  logger,
	}
}

type joinRequest struct {
	CommunityID int64 `json:"community_id"`
}

// Join creates (or replaces) the caller's membership. A principal holds at
// most one membership; joining a second community moves it, and the role
// side effects run for the new community.
func (h *MembershipHandlers) Join(w http.ResponseWriter, r *http.Request) {
	user := RequestUser(r)

	var req joinRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequirePositive(w, req.CommunityID, "community_id") {
		return
	}

	if _, err := h.service.GetCommunity(r.Context(), req.CommunityID); err != nil {
		if errors.Is(err, communities.ErrCommunityNotFound) {
			httputil.WriteNotFoundError(w, "community not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	membership, err := h.service.CreateMembership(r.Context(), user.ID, req.CommunityID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	if err := h.hooks.OnMembershipCreated(r.Context(), user.ID, req.CommunityID); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"user_id":      user.ID,
		"community_id": req.CommunityID,
	}).Info("membership created")
	httputil.WriteJSONOrError(w, http.StatusCreated, membership, "failed to encode membership")
}

// Leave destroys the caller's membership and reverts community-scoped roles
func (h *MembershipHandlers) Leave(w http.ResponseWriter, r *http.Request) {
	user := RequestUser(r)

	communityID, err := h.service.DeleteMembershipByUser(r.Context(), user.ID)
	if err != nil {
		if errors.Is(err, communities.ErrMembershipNotFound) {
			httputil.WriteNotFoundError(w, "no membership to leave")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	if err := h.hooks.OnMembershipDestroyed(r.Context(), user.ID); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"user_id":      user.ID,
		"community_id": communityID,
	}).Info("membership destroyed")
	httputil.WriteNoContent(w)
}

// MyCommunity returns the caller's community. The route sits behind the
// access gate, so reaching it implies an active subscription upstream.
func (h *MembershipHandlers) MyCommunity(w http.ResponseWriter, r *http.Request) {
	user := RequestUser(r)

	membership, err := h.service.GetMembershipByUser(r.Context(), user.ID)
	if errors.Is(err, communities.ErrMembershipNotFound) {
		// owners are not members of their own community
		community, ownerErr := h.service.GetCommunityByOwner(r.Context(), user.ID)
		if errors.Is(ownerErr, communities.ErrCommunityNotFound) {
			httputil.WriteNotFoundError(w, "not a member of any community")
			return
		}
		if ownerErr != nil {
			httputil.WriteInternalError(w, ownerErr)
			return
		}
		httputil.WriteJSONOrError(w, http.StatusOK, community, "failed to encode community")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	community, err := h.service.GetCommunity(r.Context(), membership.CommunityID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteJSONOrError(w, http.StatusOK, community, "failed to encode community")
}
