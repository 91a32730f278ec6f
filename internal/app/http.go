package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"reflectai/api/internal/auth"
	"reflectai/api/internal/search"
)

const maxBodyBytes = 4 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	ws         http.Handler
	log        *zap.Logger
}

// NewHTTPServer builds the REST surface. ws serves the realtime channel and
// may be nil.
func NewHTTPServer(service *Service, corsOrigin string, ws http.Handler, log *zap.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, ws: ws, log: log.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.routes())
}

type sessionHandler func(http.ResponseWriter, *http.Request, Session)

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth", s.handleAuth).Methods(http.MethodPost)
	if s.ws != nil {
		api.Handle("/ws", s.ws).Methods(http.MethodGet)
	}
	api.HandleFunc("/reset-streaks", s.handleResetStreaks).Methods(http.MethodPost)

	authed := func(path string, h sessionHandler, methods ...string) {
		api.HandleFunc(path, s.withSession(h)).Methods(methods...)
	}
	authed("/libraries", s.handleListLibraries, http.MethodGet)
	authed("/libraries", s.handleCreateLibrary, http.MethodPost)
	authed("/libraries/{id}", s.handleGetLibrary, http.MethodGet)
	authed("/libraries/{id}", s.handleUpdateLibrary, http.MethodPut, http.MethodPatch)
	authed("/libraries/{id}", s.handleDeleteLibrary, http.MethodDelete)
	authed("/libraries/{id}/children", s.handleChildren, http.MethodGet)
	authed("/libraries/{id}/ancestors", s.handleAncestors, http.MethodGet)
	authed("/libraries/{id}/tags", s.handleListTags, http.MethodGet)
	authed("/libraries/{id}/tags", s.handleAddTag, http.MethodPost)
	authed("/libraries/{id}/collaborators", s.handleListCollaborators, http.MethodGet)
	authed("/libraries/{id}/collaborators", s.handleAddCollaborator, http.MethodPost)
	authed("/libraries/{id}/contents", s.handleListContent, http.MethodGet)
	authed("/libraries/{id}/contents", s.handleCreateContent, http.MethodPost)
	authed("/libraries/{id}/export", s.handleExport, http.MethodGet)

	authed("/contents/{id}", s.handleGetContent, http.MethodGet)
	authed("/contents/{id}", s.handleUpdateContent, http.MethodPut, http.MethodPatch)
	authed("/contents/{id}", s.handleDeleteContent, http.MethodDelete)
	authed("/contents/{id}/revisions", s.handleListRevisions, http.MethodGet)
	authed("/contents/{id}/revisions/{hash}", s.handleGetRevision, http.MethodGet)

	authed("/search", s.handleSearch, http.MethodGet)
	authed("/streak", s.handleStreak, http.MethodGet)
	authed("/stats", s.handleStats, http.MethodGet)
	authed("/words", s.handleRecordWords, http.MethodPost)
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error"}
		s.log.Warn("readiness check failed", zap.Error(err))
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request) {
	var input SignInInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SignIn(r.Context(), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status, message := http.StatusOK, "Login successful"
	if result.Created {
		status, message = http.StatusCreated, "User created successfully"
	}
	writeJSON(w, status, map[string]any{
		"success": true,
		"message": message,
		"data":    result,
	})
}

func (s *HTTPServer) handleResetStreaks(w http.ResponseWriter, r *http.Request) {
	affected, err := s.service.ResetStreaks(r.Context(), strings.TrimSpace(r.Header.Get("X-Admin-Token")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "Streaks reset successfully",
		"usersAffected": affected,
	})
}

func (s *HTTPServer) handleListLibraries(w http.ResponseWriter, r *http.Request, session Session) {
	libraries, err := s.service.ListLibraries(r.Context(), session.UserID)
	s.respond(w, r, http.StatusOK, map[string]any{"libraries": libraries}, err)
}

func (s *HTTPServer) handleCreateLibrary(w http.ResponseWriter, r *http.Request, session Session) {
	var input CreateLibraryInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	library, err := s.service.CreateLibrary(r.Context(), session.UserID, input)
	s.respond(w, r, http.StatusCreated, library, err)
}

func (s *HTTPServer) handleGetLibrary(w http.ResponseWriter, r *http.Request, session Session) {
	detail, err := s.service.GetLibrary(r.Context(), mux.Vars(r)["id"], session.UserID)
	s.respond(w, r, http.StatusOK, detail, err)
}

func (s *HTTPServer) handleUpdateLibrary(w http.ResponseWriter, r *http.Request, session Session) {
	var input UpdateLibraryInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	library, err := s.service.UpdateLibrary(r.Context(), mux.Vars(r)["id"], session.UserID, input)
	s.respond(w, r, http.StatusOK, library, err)
}

func (s *HTTPServer) handleDeleteLibrary(w http.ResponseWriter, r *http.Request, session Session) {
	result, err := s.service.DeleteLibrary(r.Context(), mux.Vars(r)["id"], session.UserID)
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handleChildren(w http.ResponseWriter, r *http.Request, session Session) {
	children, err := s.service.ListChildren(r.Context(), mux.Vars(r)["id"], session.UserID)
	s.respond(w, r, http.StatusOK, map[string]any{"libraries": children}, err)
}

func (s *HTTPServer) handleAncestors(w http.ResponseWriter, r *http.Request, session Session) {
	path, err := s.service.ListAncestors(r.Context(), mux.Vars(r)["id"], session.UserID)
	s.respond(w, r, http.StatusOK, map[string]any{"ancestors": path}, err)
}

func (s *HTTPServer) handleListTags(w http.ResponseWriter, r *http.Request, session Session) {
	tags, err := s.service.ListTags(r.Context(), mux.Vars(r)["id"], session.UserID)
	s.respond(w, r, http.StatusOK, map[string]any{"tags": tags}, err)
}

func (s *HTTPServer) handleAddTag(w http.ResponseWriter, r *http.Request, session Session) {
	var input AddTagInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	tags, err := s.service.AddTag(r.Context(), mux.Vars(r)["id"], session.UserID, input)
	s.respond(w, r, http.StatusCreated, map[string]any{"tags": tags}, err)
}

func (s *HTTPServer) handleListCollaborators(w http.ResponseWriter, r *http.Request, session Session) {
	collaborators, err := s.service.ListCollaborators(r.Context(), mux.Vars(r)["id"], session.UserID)
	s.respond(w, r, http.StatusOK, map[string]any{"collaborators": collaborators}, err)
}

func (s *HTTPServer) handleAddCollaborator(w http.ResponseWriter, r *http.Request, session Session) {
	var input AddCollaboratorInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	collaborator, err := s.service.AddCollaborator(r.Context(), mux.Vars(r)["id"], session.UserID, input)
	s.respond(w, r, http.StatusCreated, collaborator, err)
}

func (s *HTTPServer) handleListContent(w http.ResponseWriter, r *http.Request, session Session) {
	items, err := s.service.ListContent(r.Context(), mux.Vars(r)["id"], session.UserID)
	s.respond(w, r, http.StatusOK, map[string]any{"contents": items}, err)
}

func (s *HTTPServer) handleCreateContent(w http.ResponseWriter, r *http.Request, session Session) {
	var input CreateContentInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.CreateContent(r.Context(), mux.Vars(r)["id"], session.UserID, input)
	s.respond(w, r, http.StatusCreated, item, err)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session) {
	result, err := s.service.ExportLibrary(r.Context(), mux.Vars(r)["id"], session.UserID, r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if result.URL != "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"url":      result.URL,
			"filename": result.Filename,
			"mimeType": result.MimeType,
		})
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleGetContent(w http.ResponseWriter, r *http.Request, session Session) {
	item, err := s.service.GetContent(r.Context(), mux.Vars(r)["id"], session.UserID)
	s.respond(w, r, http.StatusOK, item, err)
}

func (s *HTTPServer) handleUpdateContent(w http.ResponseWriter, r *http.Request, session Session) {
	var input UpdateContentInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.UpdateContent(r.Context(), mux.Vars(r)["id"], session.UserID, input)
	s.respond(w, r, http.StatusOK, item, err)
}

func (s *HTTPServer) handleDeleteContent(w http.ResponseWriter, r *http.Request, session Session) {
	item, err := s.service.DeleteContent(r.Context(), mux.Vars(r)["id"], session.UserID)
	s.respond(w, r, http.StatusOK, map[string]any{"id": item.ID, "deleted": true}, err)
}

func (s *HTTPServer) handleListRevisions(w http.ResponseWriter, r *http.Request, session Session) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	revisions, err := s.service.ListRevisions(r.Context(), mux.Vars(r)["id"], session.UserID, limit)
	s.respond(w, r, http.StatusOK, map[string]any{"revisions": revisions}, err)
}

func (s *HTTPServer) handleGetRevision(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	detail, err := s.service.GetRevision(r.Context(), vars["id"], session.UserID, vars["hash"])
	s.respond(w, r, http.StatusOK, detail, err)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}
	query := r.URL.Query()
	response, err := s.service.Search(r.Context(), session.UserID, search.Query{
		Text:       strings.TrimSpace(query.Get("q")),
		FilterType: search.ResultType(query.Get("type")),
		Limit:      limit,
		Offset:     offset,
	})
	s.respond(w, r, http.StatusOK, response, err)
}

func (s *HTTPServer) handleStreak(w http.ResponseWriter, r *http.Request, session Session) {
	streak, err := s.service.Streak(r.Context(), session.UserID)
	s.respond(w, r, http.StatusOK, streak, err)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request, session Session) {
	days, ok := queryInt(w, r, "days")
	if !ok {
		return
	}
	stats, err := s.service.Stats(r.Context(), session.UserID, days)
	s.respond(w, r, http.StatusOK, stats, err)
}

func (s *HTTPServer) handleRecordWords(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		WordCount int `json:"wordCount"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	streak, err := s.service.RecordWords(r.Context(), session.UserID, body.WordCount)
	s.respond(w, r, http.StatusOK, streak, err)
}

func (s *HTTPServer) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.log.Error("session lookup failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Admin-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// queryInt parses an optional integer query parameter. It writes the error
// response itself and reports false when the value is malformed.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be a non-negative integer", map[string]string{"field": name})
		return 0, false
	}
	return value, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
