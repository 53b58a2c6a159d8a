// Package server exposes the HTTP surface: WebSocket upgrades, the
// login flow, group endpoints, moderation, and health checks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loftchat/loft/internal/auth"
	"github.com/loftchat/loft/internal/registry"
	"github.com/loftchat/loft/internal/storage"
)

// sessionCookie is the cookie carrying the session token.
const sessionCookie = "session"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// API bundles the collaborators behind the HTTP surface.
type API struct {
	registry  *registry.Registry
	store     storage.Store
	verifier  *auth.Verifier
	exchanger *auth.Exchanger
	handler   MessageHandler
	logger    *zap.Logger
}

// NewAPI wires the HTTP surface to its collaborators. A nil handler
// falls back to the default relay handler.
func NewAPI(reg *registry.Registry, store storage.Store, verifier *auth.Verifier, exchanger *auth.Exchanger, handler MessageHandler, logger *zap.Logger) *API {
	if handler == nil {
		handler = NewRelayHandler(logger)
	}
	return &API{
		registry:  reg,
		store:     store,
		verifier:  verifier,
		exchanger: exchanger,
		handler:   handler,
		logger:    logger.With(zap.String("component", "api")),
	}
}

// sessionToken pulls the session token from the cookie, falling back to
// the query parameter for clients that cannot send cookies on upgrade.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get(sessionCookie)
}

// authenticate resolves the request's session token to a user ID.
func (a *API) authenticate(w http.ResponseWriter, r *http.Request) (storage.UserID, bool) {
	token := sessionToken(r)
	if token == "" {
		http.Error(w, "Missing session", http.StatusUnauthorized)
		return 0, false
	}
	userID, ok, err := a.store.SessionUserID(r.Context(), token)
	if err != nil {
		a.logger.Error("resolving session failed", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return 0, false
	}
	if !ok {
		http.Error(w, "Invalid session", http.StatusUnauthorized)
		return 0, false
	}
	return userID, true
}

// WebSocketHandler authenticates and authorizes the upgrade request,
// upgrades the connection, and hands it to the lifecycle driver. On any
// rejection the client never gets a live socket and the registry is
// never touched.
func (a *API) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	groupID, err := strconv.ParseInt(chi.URLParam(r, "groupID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid group ID", http.StatusBadRequest)
		return
	}

	userID, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	member, err := a.store.IsGroupMember(r.Context(), userID, storage.GroupID(groupID))
	if err != nil {
		a.logger.Error("checking membership failed", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "Not a member of this group", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	cc := registry.ConnContext{
		UserID:  userID,
		GroupID: storage.GroupID(groupID),
		ConnID:  registry.NextConnID(),
	}
	client := newClient(conn, a.registry, a.handler, cc, a.logger)

	// The request goroutine is done with the hijacked connection; the
	// client owns it from here.
	go client.serve(context.Background())
}

// AuthCallbackHandler completes the OAuth login flow: it exchanges the
// authorization code for an ID token, verifies it, records the user,
// and mints a session.
func (a *API) AuthCallbackHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("error") != "" || query.Get("code") == "" {
		// The user declined, or someone hit the endpoint directly.
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	idToken, err := a.exchanger.Exchange(r.Context(), query.Get("code"))
	if err != nil {
		a.logger.Warn("token exchange failed", zap.Error(err))
		http.Error(w, "Login failed", http.StatusUnauthorized)
		return
	}

	claims, err := a.verifier.Verify(r.Context(), idToken)
	if err != nil {
		a.logger.Warn("token verification failed", zap.Error(err))
		http.Error(w, "Login failed", http.StatusUnauthorized)
		return
	}

	userID, err := a.store.UpsertUser(r.Context(), storage.Profile{
		Subject:    claims.Subject,
		Name:       claims.Name,
		Picture:    claims.Picture,
		GivenName:  claims.GivenName,
		FamilyName: claims.FamilyName,
	})
	if err != nil {
		a.logger.Error("recording user failed", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	token := uuid.NewString()
	if err := a.store.CreateSession(r.Context(), token, userID); err != nil {
		a.logger.Error("creating session failed", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

// LogoutHandler deletes the current session and clears the cookie.
func (a *API) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		if err := a.store.DeleteSession(r.Context(), token); err != nil {
			a.logger.Error("deleting session failed", zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:   sessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

// KickHandler forcibly disconnects every connection of a user across
// all groups, e.g. as part of a moderation action.
func (a *API) KickHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authenticate(w, r); !ok {
		return
	}

	target, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	a.registry.Kick(storage.UserID(target))
	w.WriteHeader(http.StatusNoContent)
}

// GroupListHandler returns the groups the authenticated user belongs to.
func (a *API) GroupListHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	groups, err := a.store.GroupList(r.Context(), userID)
	if err != nil {
		a.logger.Error("listing groups failed", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, groups)
}

type createGroupRequest struct {
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

type createGroupResponse struct {
	GroupID storage.GroupID `json:"group_id"`
}

// CreateGroupHandler creates a new group with a unique name.
func (a *API) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authenticate(w, r); !ok {
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	groupID, created, err := a.store.CreateGroup(r.Context(), req.Name, req.Picture)
	if err != nil {
		a.logger.Error("creating group failed", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !created {
		http.Error(w, "Group name already taken", http.StatusConflict)
		return
	}
	a.writeJSON(w, http.StatusCreated, createGroupResponse{GroupID: groupID})
}

// GroupChannelsHandler returns the channels of a group straight from
// storage. Unlike the registry's cached copy, this always reflects the
// current channel set.
func (a *API) GroupChannelsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authenticate(w, r); !ok {
		return
	}

	groupID, err := strconv.ParseInt(chi.URLParam(r, "groupID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid group ID", http.StatusBadRequest)
		return
	}

	channels, err := a.store.GroupChannels(r.Context(), storage.GroupID(groupID))
	if err != nil {
		a.logger.Error("listing channels failed", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=30")
	a.writeJSON(w, http.StatusOK, channels)
}

// OnlineUsersHandler returns the users currently online in a group, as
// seen by the presence registry.
func (a *API) OnlineUsersHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authenticate(w, r); !ok {
		return
	}

	groupID, err := strconv.ParseInt(chi.URLParam(r, "groupID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid group ID", http.StatusBadRequest)
		return
	}
	a.writeJSON(w, http.StatusOK, a.registry.OnlineUsers(storage.GroupID(groupID)))
}

// HealthHandler provides a simple health check endpoint that returns
// server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("Loft server is running!"))
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		a.logger.Warn("writing JSON response", zap.Error(err))
	}
}
