package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coedit/api/internal/auth"
	"coedit/api/internal/config"
	"coedit/api/internal/gateway"
	"coedit/api/internal/session"
	"coedit/api/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"golang.org/x/oauth2"
)

const (
	cookieName       = "coedit_sid"
	oauthStateLength = 12
)

type browserStore interface {
	Save(ctx context.Context, id string, data session.BrowserSession) error
	Load(ctx context.Context, id string) (session.BrowserSession, error)
	Ping(ctx context.Context) error
}

// ProfileSource resolves the user behind a platform access token.
type ProfileSource interface {
	GetUserProfile(ctx context.Context, accessToken string) (gateway.User, error)
}

type HTTPServer struct {
	service  *Service
	browser  browserStore
	login    *oauth2.Config
	profiles ProfileSource
	cfg      config.Config
	logger   logr.Logger
}

func NewHTTPServer(service *Service, browser browserStore, login *oauth2.Config, profiles ProfileSource, cfg config.Config, logger logr.Logger) *HTTPServer {
	return &HTTPServer{
		service:  service,
		browser:  browser,
		login:    login,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger.WithName("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)
	r.Get("/api/token", s.handleVerifyToken)
	r.Handle("/metrics", s.service.metrics.Handler())

	r.Get("/conversation/{convId}", s.handleEntry)
	r.Get("/conversation/{convId}/session", s.handleEditor)
	r.Get("/oauthCallback", s.handleOAuthCallback)
	r.Get("/getsession", s.handleGetSession)
	r.Post("/closesession", s.handleCloseSession)

	if s.cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok", "browserSessions": "ok"}
	status, code := "ready", http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	if err := s.browser.Ping(ctx); err != nil {
		checks["browserSessions"] = err.Error()
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// handleEntry is the link posted in chat. Browsers already holding a valid
// token go straight to the editor; everyone else logs in first.
func (s *HTTPServer) handleEntry(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "convId")
	if _, ok := s.service.Session(convID); !ok {
		s.unauthorized(w)
		return
	}
	id, browser := s.loadBrowser(w, r)
	if browser.ConvID == convID && s.authorized(browser) {
		s.service.AddJoinedParticipant(convID, browser.UserID, browser.DisplayName)
		http.Redirect(w, r, editorPath(convID), http.StatusFound)
		return
	}

	browser.OAuthState = util.RandomString(oauthStateLength)
	browser.ConvID = convID
	if err := s.browser.Save(r.Context(), id, browser); err != nil {
		s.logger.Error(err, "save browser session")
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
		return
	}
	http.Redirect(w, r, s.login.AuthCodeURL(browser.OAuthState), http.StatusFound)
}

func (s *HTTPServer) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	id, browser := s.loadBrowser(w, r)
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || browser.OAuthState == "" || state != browser.OAuthState {
		s.unauthorized(w)
		return
	}

	ctx := r.Context()
	token, err := s.login.Exchange(ctx, code)
	if err != nil {
		s.logger.Error(err, "exchange authorization code")
		s.unauthorized(w)
		return
	}
	user, err := s.profiles.GetUserProfile(ctx, token.AccessToken)
	if err != nil {
		s.logger.Error(err, "load user profile")
		s.unauthorized(w)
		return
	}
	s.service.RememberIdentity(user.UserID, user.Name())

	convID := browser.ConvID
	if !s.service.IsParticipant(user.UserID, convID) {
		s.unauthorized(w)
		return
	}
	if !s.service.TokenValid(user.UserID, convID, browser.Token) {
		issued, err := s.service.IssueToken(user.UserID, convID)
		if err != nil {
			s.logger.Error(err, "issue token", "convId", convID, "userId", user.UserID)
			s.unauthorized(w)
			return
		}
		browser.Token = issued
	}
	browser.UserID = user.UserID
	browser.DisplayName = user.Name()
	browser.OAuthState = ""
	if err := s.browser.Save(ctx, id, browser); err != nil {
		s.logger.Error(err, "save browser session")
		s.unauthorized(w)
		return
	}
	s.service.AddJoinedParticipant(convID, user.UserID, user.Name())
	http.Redirect(w, r, editorPath(convID), http.StatusFound)
}

func (s *HTTPServer) handleEditor(w http.ResponseWriter, r *http.Request) {
	_, browser := s.loadBrowser(w, r)
	if browser.ConvID != chi.URLParam(r, "convId") || !s.authorized(browser) {
		http.Redirect(w, r, "/reject.html", http.StatusFound)
		return
	}
	index := filepath.Join(s.cfg.StaticDir, "index.html")
	if _, err := os.Stat(index); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Editor not available", nil)
		return
	}
	http.ServeFile(w, r, index)
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	_, browser := s.loadBrowser(w, r)
	live, ok := s.service.Session(browser.ConvID)
	if !ok || !s.service.TokenValid(browser.UserID, browser.ConvID, browser.Token) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"conversation":  live.ConvID,
		"userId":        browser.UserID,
		"token":         browser.Token,
		"config":        s.cfg.ClientConfig,
		"defaultText":   live.DefaultText,
	})
}

func (s *HTTPServer) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	_, browser := s.loadBrowser(w, r)
	var body struct {
		ConvID string `json:"convId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": msgCloseFailed, "error": err.Error()})
		return
	}
	convID := strings.TrimSpace(body.ConvID)
	if convID == "" {
		convID = browser.ConvID
	}

	err := s.service.CloseSession(r.Context(), browser.UserID, convID, browser.Token)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case errors.Is(err, ErrNotCreator), errors.Is(err, ErrSessionNotFound):
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": msgNoClosePermission})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": msgCloseFailed, "error": err.Error()})
	}
}

// handleVerifyToken lets the editor's sync transport check a bearer
// credential against the live session.
func (s *HTTPServer) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	claims, err := s.verifyBearer(r)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uid":       claims.UID,
		"convId":    claims.Scope.ConvID,
		"expiresAt": claims.ExpiresAt.Time.UTC().Format(time.RFC3339),
	})
}

func (s *HTTPServer) verifyBearer(r *http.Request) (auth.Claims, error) {
	token := bearerToken(r)
	if token == "" {
		return auth.Claims{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
	}
	claims, err := s.service.ValidateToken(token)
	if err != nil {
		return auth.Claims{}, err
	}
	if _, ok := s.service.Session(claims.Scope.ConvID); !ok {
		return auth.Claims{}, ErrSessionNotFound
	}
	if !s.service.TokenValid(claims.UID, claims.Scope.ConvID, token) {
		return auth.Claims{}, domainError(http.StatusForbidden, "TOKEN_SUPERSEDED", "Token is not the current credential for this session", nil)
	}
	return claims, nil
}

// authorized reports whether the browser holds the current token of a
// logged-in member of its conversation.
func (s *HTTPServer) authorized(browser session.BrowserSession) bool {
	if browser.UserID == "" || browser.Token == "" {
		return false
	}
	if _, known := s.service.Identity(browser.UserID); !known {
		return false
	}
	return s.service.IsParticipant(browser.UserID, browser.ConvID) &&
		s.service.TokenValid(browser.UserID, browser.ConvID, browser.Token)
}

// loadBrowser returns the cookie id and its state, issuing a new cookie when
// the browser has none or it expired.
func (s *HTTPServer) loadBrowser(w http.ResponseWriter, r *http.Request) (string, session.BrowserSession) {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		browser, err := s.browser.Load(r.Context(), cookie.Value)
		if err == nil {
			return cookie.Value, browser
		}
		if !errors.Is(err, session.ErrNotFound) {
			s.logger.Error(err, "load browser session")
		}
	}
	id := util.NewSecret()
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   strings.HasPrefix(s.cfg.PublicURL, "https://"),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.cfg.BrowserSessionTTL / time.Second),
	})
	return id, session.BrowserSession{}
}

func (s *HTTPServer) unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(msgUnauthorizedViewer))
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func editorPath(convID string) string {
	return fmt.Sprintf("/conversation/%s/session", convID)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		started := time.Now()
		writer := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		setCORSHeaders(writer.Header(), s.cfg.CORSOrigin)
		if requestID != "" {
			writer.Header().Set("X-Request-ID", requestID)
		}
		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(writer, r)

		s.logger.V(1).Info("request",
			"requestId", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.Status(),
			"durationMs", time.Since(started).Milliseconds(),
		)
	})
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	if corsOrigin == "" {
		return
	}
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	if corsOrigin != "*" {
		header.Set("Access-Control-Allow-Credentials", "true")
	}
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
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// mapError turns service errors into a status and error code for the JSON
// API routes.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Session not found", nil
	case errors.Is(err, ErrSessionExists):
		return http.StatusConflict, "SESSION_EXISTS", "Session already exists", nil
	case errors.Is(err, ErrNotCreator), errors.Is(err, ErrNotParticipant):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
