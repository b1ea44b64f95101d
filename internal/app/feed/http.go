package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gatherly/backend/internal/app/chat"
	"github.com/gatherly/backend/internal/app/directory"
	"github.com/gatherly/backend/internal/app/event"
	"github.com/gatherly/backend/internal/app/identity"
	platformauth "github.com/gatherly/backend/internal/platform/auth"
	"github.com/gatherly/backend/internal/platform/metrics"
	"github.com/gatherly/backend/internal/platform/ratelimit"
)

type Handler struct {
	Sessions      *Manager
	Identity      *identity.Service
	Chats         *chat.Service
	Directory     directory.Repository
	Metrics       *metrics.Set
	Limiter       *ratelimit.KeyLimiter
	AllowedOrigin string
}

func NewHandler(sessions *Manager, identitySvc *identity.Service, chats *chat.Service, dir directory.Repository) *Handler {
	return &Handler{
		Sessions:  sessions,
		Identity:  identitySvc,
		Chats:     chats,
		Directory: dir,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	if h.Metrics != nil {
		r.Use(h.Metrics.Middleware("api"))
	}
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Use(h.rateLimitMiddleware)

		authR.Get("/api/v1/feed", h.handleFeed)
		authR.Post("/api/v1/events", h.handleCreateEvent)
		authR.Patch("/api/v1/events/{eventID}", h.handleUpdateEvent)
		authR.Delete("/api/v1/events/{eventID}", h.handleDeleteEvent)
		authR.Put("/api/v1/events/{eventID}/attendance", h.handleSetAttendance)
		authR.Get("/api/v1/events/{eventID}/attendees", h.handleAttendees)

		authR.Post("/api/v1/events/{eventID}/share", h.handleBeginShare)
		authR.Post("/api/v1/share/complete", h.handleCompleteShare)
		authR.Delete("/api/v1/share", h.handleCancelShare)

		authR.Get("/api/v1/chats", h.handleListChats)
		authR.Get("/api/v1/chats/{chatID}/messages", h.handleChatHistory)
		authR.Post("/api/v1/chats/{chatID}/messages", h.handleSendMessage)
		authR.Post("/api/v1/chats/{chatID}/read", h.handleMarkRead)

		authR.Post("/api/v1/friends/{userID}", h.handleAddFriend)
		authR.Delete("/api/v1/friends/{userID}", h.handleRemoveFriend)
		authR.Post("/api/v1/blocks/{userID}", h.handleBlockUser)
		authR.Delete("/api/v1/blocks/{userID}", h.handleUnblockUser)
	})

	return r
}

type registerRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type createEventRequest struct {
	Title      string     `json:"title"`
	Location   string     `json:"location"`
	StartsAt   time.Time  `json:"starts_at"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
	Privacy    string     `json:"privacy,omitempty"`
	Latitude   *float64   `json:"latitude,omitempty"`
	Longitude  *float64   `json:"longitude,omitempty"`
	ImageURL   string     `json:"image_url,omitempty"`
	InvitedIDs []string   `json:"invited_ids,omitempty"`
}

type setAttendanceRequest struct {
	IsGoing     bool       `json:"is_going"`
	ArrivalTime *time.Time `json:"arrival_time,omitempty"`
}

type completeShareRequest struct {
	RecipientIDs []string `json:"recipient_ids"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Password, req.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				h.writeError(w, http.StatusConflict, "username already exists")
				return
			}
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, identity.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFeed refreshes and returns the viewer's feed. When the backend
// is unreachable but a previous snapshot exists, the stale feed is
// returned with 200 and a notice instead of failing the request.
func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	showAllPast := r.URL.Query().Get("all_past") == "1" || r.URL.Query().Get("all_past") == "true"

	session := h.Sessions.Session(claims.Subject)
	feed, err := session.Refresh(r.Context(), showAllPast)
	if err != nil {
		if !feed.Stale {
			h.writeError(w, http.StatusServiceUnavailable, "feed is unavailable")
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]any{
			"feed":   feed,
			"notice": "showing a previously loaded feed; refresh failed",
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"feed": feed})
}

func (h *Handler) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())

	draft := event.Draft{
		Title:      req.Title,
		Location:   req.Location,
		StartsAt:   req.StartsAt,
		OwnerID:    claims.Subject,
		Privacy:    event.Privacy(req.Privacy),
		ImageURL:   req.ImageURL,
		InvitedIDs: req.InvitedIDs,
	}
	if req.EndsAt != nil {
		draft.EndsAt = *req.EndsAt
	}
	if req.Latitude != nil && req.Longitude != nil {
		draft.Coordinate = &event.Coordinate{Latitude: *req.Latitude, Longitude: *req.Longitude}
	}

	created, err := h.Sessions.Session(claims.Subject).CreateEvent(r.Context(), draft)
	if err != nil {
		if errors.Is(err, event.ErrValidation) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusBadGateway, "event creation failed")
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var patch EventPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())

	updated, err := h.Sessions.Session(claims.Subject).UpdateEvent(r.Context(), eventID, patch)
	if err != nil {
		h.writeEventError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	claims := claimsFromContext(r.Context())

	if err := h.Sessions.Session(claims.Subject).DeleteEvent(r.Context(), eventID); err != nil {
		h.writeEventError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetAttendance applies the RSVP optimistically; 202 signals the
// value is accepted locally even though the next refresh may still show
// the backend catching up.
func (h *Handler) handleSetAttendance(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var req setAttendanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())

	applied, err := h.Sessions.Session(claims.Subject).SetAttendance(r.Context(), eventID, req.IsGoing, req.ArrivalTime)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			h.writeError(w, http.StatusNotFound, "event not found")
			return
		}
		h.writeError(w, http.StatusBadGateway, "attendance update failed and was rolled back")
		return
	}
	h.writeJSON(w, http.StatusAccepted, applied)
}

func (h *Handler) handleAttendees(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	claims := claimsFromContext(r.Context())

	session := h.Sessions.Session(claims.Subject)
	attendees, err := session.Attendees(eventID)
	if errors.Is(err, ErrEventNotFound) {
		// The event may simply not be cached yet.
		if _, rerr := session.Refresh(r.Context(), true); rerr != nil && !errors.Is(rerr, ErrFeedUnavailable) {
			h.writeError(w, http.StatusServiceUnavailable, "feed is unavailable")
			return
		}
		attendees, err = session.Attendees(eventID)
	}
	if err != nil {
		h.writeEventError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, attendees)
}

func (h *Handler) handleBeginShare(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	claims := claimsFromContext(r.Context())

	sctx, err := h.Sessions.Session(claims.Subject).BeginShare(eventID)
	if err != nil {
		h.writeEventError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sctx)
}

func (h *Handler) handleCompleteShare(w http.ResponseWriter, r *http.Request) {
	var req completeShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())

	result, err := h.Sessions.Session(claims.Subject).CompleteShare(r.Context(), req.RecipientIDs)
	if err != nil {
		h.writeShareError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCancelShare(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	h.Sessions.Session(claims.Subject).CancelShare()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	summaries, err := h.Chats.ListChats(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, summaries)
}

func (h *Handler) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	claims := claimsFromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := h.Chats.History(r.Context(), claims.Subject, chatID, limit)
	if err != nil {
		h.writeChatError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())

	msg, err := h.Chats.SendMessage(r.Context(), claims.Subject, chatID, req.Text)
	if err != nil {
		h.writeChatError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	claims := claimsFromContext(r.Context())

	if err := h.Chats.MarkRead(r.Context(), claims.Subject, chatID); err != nil {
		h.writeChatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddFriend(w http.ResponseWriter, r *http.Request) {
	h.handleGraphChange(w, r, h.Directory.AddFriend)
}

func (h *Handler) handleRemoveFriend(w http.ResponseWriter, r *http.Request) {
	h.handleGraphChange(w, r, h.Directory.RemoveFriend)
}

func (h *Handler) handleBlockUser(w http.ResponseWriter, r *http.Request) {
	h.handleGraphChange(w, r, h.Directory.BlockUser)
}

func (h *Handler) handleUnblockUser(w http.ResponseWriter, r *http.Request) {
	h.handleGraphChange(w, r, h.Directory.UnblockUser)
}

func (h *Handler) handleGraphChange(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, userID, otherID string) error) {
	otherID := chi.URLParam(r, "userID")
	claims := claimsFromContext(r.Context())
	if otherID == "" || otherID == claims.Subject {
		h.writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := apply(r.Context(), claims.Subject, otherID); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeEventError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, event.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrEventNotFound):
		h.writeError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, ErrNotEventOwner):
		h.writeError(w, http.StatusForbidden, err.Error())
	default:
		h.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (h *Handler) writeShareError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEventNotFound):
		h.writeError(w, http.StatusNotFound, "event not found")
	default:
		// No active share, empty or unknown recipients.
		h.writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (h *Handler) writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrChatNotFound):
		h.writeError(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, chat.ErrNotChatMember):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, chat.ErrChatExpired), errors.Is(err, chat.ErrChatArchived):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(h.AllowedOrigin)
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := contextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter != nil {
			claims := claimsFromContext(r.Context())
			if !h.Limiter.Allow(claims.Subject, time.Now()) {
				h.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}
