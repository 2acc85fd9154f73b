// ABOUTME: REST API handlers for chat init, session restore, ratings, and staff views
// ABOUTME: All responses share the {success, message, code} error shape

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/deskhop/deskhop/internal/auth"
	"github.com/deskhop/deskhop/internal/session"
	"github.com/deskhop/deskhop/internal/store"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	sendJSON(w, status, errorResponse{Success: false, Message: message, Code: code})
}

// sendServiceError maps a service error to its wire code and HTTP status.
func sendServiceError(w http.ResponseWriter, err error) {
	code := session.ErrorCode(err)
	sendError(w, statusForCode(code), code, err.Error())
}

func statusForCode(code string) int {
	switch code {
	case session.CodeUnauthorized:
		return http.StatusUnauthorized
	case session.CodeSessionNotFound:
		return http.StatusNotFound
	case session.CodeEmptyMessage, session.CodeInvalidRating:
		return http.StatusBadRequest
	case session.CodeAlreadyAssigned, session.CodeAtCapacity, session.CodeNotOnline,
		session.CodeNotAssigned, session.CodeTargetNotOnline, session.CodeTargetAtCapacity,
		session.CodeInvalidSession, session.CodeRatingFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type chatInitRequest struct {
	CustomerName  string `json:"customerName"`
	CustomerEmail string `json:"customerEmail"`
	SourceURL     string `json:"sourceUrl"`
}

// estimatedWaitPerPosition is the rough seconds-per-slot shown to customers.
const estimatedWaitPerPosition = 120

// handleChatInit starts a new chat session. The response carries the customer
// token plus either the queue standing or, if the dispatcher already placed
// the session, the assigned agent.
func (g *Gateway) handleChatInit(w http.ResponseWriter, r *http.Request) {
	var req chatInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, session.CodeServerError, "invalid JSON body")
		return
	}

	sess, err := g.svc.Start(r.Context(), session.StartRequest{
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		SourceURL:     req.SourceURL,
	})
	if err != nil {
		sendServiceError(w, err)
		return
	}

	resp := map[string]any{
		"success":       true,
		"sessionId":     sess.ID,
		"customerToken": sess.CustomerToken,
	}
	if latest, err := g.store.GetSessionByID(r.Context(), sess.ID); err == nil &&
		latest.Status == store.StatusActive && latest.AssignedAgent != "" {
		resp["assigned"] = map[string]any{
			"cs": map[string]string{"id": latest.AssignedAgent},
		}
	} else {
		position := g.svc.QueuePosition(r.Context(), sess.ID)
		resp["queue"] = map[string]int{
			"position":          position,
			"estimatedWaitTime": position * estimatedWaitPerPosition,
		}
	}
	sendJSON(w, http.StatusCreated, resp)
}

// handleChatSession restores a session by customer token.
func (g *Gateway) handleChatSession(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	sess, msgs, err := g.svc.Restore(r.Context(), token)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"session":  session.NewSessionView(sess),
		"messages": session.NewMessageViews(msgs),
	})
}

type ratingRequest struct {
	Token    string `json:"customerToken"`
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
}

// handleChatRating records a customer rating on a resolved session.
func (g *Gateway) handleChatRating(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, session.CodeServerError, "invalid JSON body")
		return
	}

	if err := g.svc.Rate(r.Context(), req.Token, req.Rating, req.Feedback); err != nil {
		sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"success": true})
}

// principalKey carries the authenticated staff principal through the request
type principalKey struct{}

// requireStaff authenticates a Bearer JWT and stashes the principal.
func (g *Gateway) requireStaff(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			sendError(w, http.StatusUnauthorized, session.CodeUnauthorized, "missing bearer token")
			return
		}

		principal, err := g.verifier.Verify(token)
		if err != nil {
			sendError(w, http.StatusUnauthorized, session.CodeUnauthorized, "invalid token")
			return
		}

		ctx := withPrincipal(r.Context(), principal)
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin additionally checks the admin role.
func (g *Gateway) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return g.requireStaff(func(w http.ResponseWriter, r *http.Request) {
		if principalFrom(r).Role != auth.RoleAdmin {
			sendError(w, http.StatusForbidden, session.CodeUnauthorized, "admin role required")
			return
		}
		next(w, r)
	})
}

func withPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(r *http.Request) *auth.Principal {
	p, _ := r.Context().Value(principalKey{}).(*auth.Principal)
	return p
}

// handleAgentChats lists the caller's active sessions.
func (g *Gateway) handleAgentChats(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	active, err := g.store.GetActiveSessionsForAgent(r.Context(), principal.UserID)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	chats := make([]*session.SessionView, 0, len(active))
	for _, sess := range active {
		chats = append(chats, session.NewSessionView(sess))
	}
	sendJSON(w, http.StatusOK, map[string]any{"success": true, "chats": chats})
}

// handleAgentQueue returns the waiting queue with positions.
func (g *Gateway) handleAgentQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := g.svc.Queue(r.Context())
	if err != nil {
		sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"success": true, "queue": entries})
}

// handleAgentHistory returns a session's full transcript.
func (g *Gateway) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	msgs, err := g.svc.Transcript(r.Context(), sessionID)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"messages": session.NewMessageViews(msgs),
	})
}

// handleAgentCanned lists canned responses.
func (g *Gateway) handleAgentCanned(w http.ResponseWriter, r *http.Request) {
	responses, err := g.store.ListCannedResponses(r.Context())
	if err != nil {
		sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"success": true, "responses": responses})
}

// handleAdminStats returns the live dashboard snapshot.
func (g *Gateway) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.svc.Stats(r.Context())
	if err != nil {
		sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

// handleAdminActivity returns recent lifecycle audit entries.
func (g *Gateway) handleAdminActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			sendError(w, http.StatusBadRequest, session.CodeServerError, "limit must be 1..500")
			return
		}
		limit = parsed
	}

	entries, err := g.store.ListActivity(r.Context(), limit)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	views := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		views = append(views, map[string]any{
			"id":        e.ID,
			"sessionId": e.SessionID,
			"csId":      e.AgentID,
			"action":    e.Action,
			"detail":    e.Detail,
			"createdAt": e.CreatedAt,
		})
	}
	sendJSON(w, http.StatusOK, map[string]any{"success": true, "activity": views})
}

// handleHealth reports liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness by touching the database.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.GetWaitingSessionsOrdered(r.Context()); err != nil {
		sendJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
