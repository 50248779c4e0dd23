// Package api exposes the HTTP surface: login, memberships, subscription
// lifecycle actions, and the access check that guards member-only routes.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vecino-dev/vecino/pkg/access"
	"github.com/vecino-dev/vecino/pkg/auth"
	"github.com/vecino-dev/vecino/pkg/communities"
	"github.com/vecino-dev/vecino/pkg/observability"
	"github.com/vecino-dev/vecino/pkg/subscriptions"
)

// Server represents the API server
type Server struct {
	router  *mux.Router
	logger  *observability.Logger
	metrics *observability.Metrics

	authHandlers         *AuthHandlers
	membershipHandlers   *MembershipHandlers
	subscriptionHandlers *SubscriptionHandlers
}

// Deps bundles the collaborators the server routes requests to
type Deps struct {
	Users       *auth.PostgresStore
	Tokens      *auth.TokenManager
	Throttle    auth.LoginThrottle
	Communities *communities.PostgresService
	Engine      *subscriptions.Engine
	Gate        *access.Gate
	TrialDays   int
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	s := &Server{
		router:  mux.NewRouter(),
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}

	s.authHandlers = NewAuthHandlers(deps.Users, deps.Tokens, deps.Throttle, deps.Logger, deps.Metrics)
	s.membershipHandlers = NewMembershipHandlers(deps.Communities, deps.Engine.Coordinator(), deps.Logger)
	s.subscriptionHandlers = NewSubscriptionHandlers(deps.Engine, deps.TrialDays, deps.Logger)

	authenticate := Authenticate(deps.Tokens, deps.Users)
	requireAccess := RequireAccess(deps.Gate)

	s.router.HandleFunc("/api/v1/auth/login", s.authHandlers.Login).Methods("POST")

	authed := s.router.PathPrefix("/api/v1").Subrouter()
	authed.Use(authenticate)
	authed.HandleFunc("/me", s.authHandlers.Me).Methods("GET")
	authed.HandleFunc("/access", s.accessCheck(deps.Gate)).Methods("GET")

	authed.HandleFunc("/subscriptions/trial", s.subscriptionHandlers.StartTrial).Methods("POST")
	authed.HandleFunc("/subscriptions/cancel", s.subscriptionHandlers.Cancel).Methods("POST")
	authed.HandleFunc("/subscriptions/activate", s.subscriptionHandlers.Activate).Methods("POST")
	authed.HandleFunc("/subscriptions/me", s.subscriptionHandlers.Get).Methods("GET")

	authed.HandleFunc("/memberships", s.membershipHandlers.Join).Methods("POST")
	authed.HandleFunc("/memberships/me", s.membershipHandlers.Leave).Methods("DELETE")

	// member-only surface: everything here sits behind the access gate
	member := authed.PathPrefix("/community").Subrouter()
	member.Use(requireAccess)
	member.HandleFunc("", s.membershipHandlers.MyCommunity).Methods("GET")

	if deps.Metrics != nil {
		s.router.Use(deps.Metrics.HTTPMiddleware)
	}

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying router, mainly for tests
func (s *Server) Router() *mux.Router {
	return s.router
}
