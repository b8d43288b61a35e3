package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"vortex/api/internal/auth"
	"vortex/api/internal/rbac"
	"vortex/api/internal/util"
)

// access is the minimum caller a route accepts.
type access int

const (
	accessPublic access = iota
	accessSession
	accessAdmin
)

// call carries what a matched route needs from the request.
type call struct {
	params  map[string]string
	session *Session
}

type endpoint func(r *http.Request, c call) (int, any, error)

type route struct {
	method  string
	pattern []string
	access  access
	handle  endpoint
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	routes     []route
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}
	s.register(http.MethodGet, "/api/health", accessPublic, s.health)
	s.register(http.MethodGet, "/api/ready", accessPublic, s.ready)
	s.register(http.MethodGet, "/api/session", accessPublic, s.currentSession)
	s.register(http.MethodPost, "/api/session/login", accessPublic, s.login)
	s.register(http.MethodPost, "/api/command", accessPublic, s.command)
	s.register(http.MethodGet, "/api/clock", accessPublic, s.clock)
	s.register(http.MethodGet, "/api/chambers", accessPublic, s.chambers)
	s.register(http.MethodGet, "/api/proposals", accessPublic, s.proposals)
	s.register(http.MethodGet, "/api/proposals/{id}", accessPublic, s.proposalView(""))
	s.register(http.MethodGet, "/api/proposals/{id}/pool", accessPublic, s.proposalView("pool"))
	s.register(http.MethodGet, "/api/proposals/{id}/chamber", accessPublic, s.proposalView("chamber"))
	s.register(http.MethodGet, "/api/proposals/{id}/formation", accessPublic, s.proposalView("formation"))
	s.register(http.MethodGet, "/api/courts/{id}", accessPublic, s.courtCase)
	s.register(http.MethodGet, "/api/cm/{address}", accessPublic, s.cmSummary)
	s.register(http.MethodGet, "/api/my-governance", accessSession, s.myGovernance)
	s.register(http.MethodPost, "/api/clock/tick", accessAdmin, s.tick)
	s.register(http.MethodPost, "/api/clock/rollup", accessAdmin, s.rollup)
	s.register(http.MethodPost, "/api/admin/courts", accessAdmin, s.openCourtCase)
	s.register(http.MethodPost, "/api/admin/writes", accessAdmin, s.writesFrozen)
	s.register(http.MethodPost, "/api/admin/locks", accessAdmin, s.actionLock)
	s.register(http.MethodPost, "/api/admin/reindex", accessAdmin, s.reindex)
	return s
}

func (s *HTTPServer) register(method, path string, level access, handle endpoint) {
	s.routes = append(s.routes, route{method: method, pattern: splitPath(path), access: level, handle: handle})
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.dispatch))
}

func (s *HTTPServer) dispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.service.metrics != nil {
		s.service.metrics.Handler().ServeHTTP(w, r)
		return
	}

	segments := splitPath(r.URL.Path)
	var allowed []string
	for _, rt := range s.routes {
		params, ok := matchPath(rt.pattern, segments)
		if !ok {
			continue
		}
		if rt.method != r.Method && !(rt.method == http.MethodGet && r.Method == http.MethodHead) {
			allowed = append(allowed, rt.method)
			continue
		}
		s.serveRoute(w, r, rt, params)
		return
	}
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) serveRoute(w http.ResponseWriter, r *http.Request, rt route, params map[string]string) {
	c := call{params: params}
	token := bearerToken(r)
	switch {
	case token != "":
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err == nil {
			c.session = &session
		} else if rt.access != accessPublic {
			s.fail(w, err)
			return
		}
	case rt.access != accessPublic:
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	if rt.access == accessAdmin && !s.service.Can(c.session.Role, rbac.ActionAdmin) {
		s.service.logger.Warn("admin route denied", "address", c.session.Address, "path", r.URL.Path)
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	status, payload, err := rt.handle(r, c)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) health(*http.Request, call) (int, any, error) {
	return http.StatusOK, map[string]any{"ok": true}, nil
}

func (s *HTTPServer) ready(r *http.Request, _ call) (int, any, error) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	database := map[string]any{"status": "ok"}
	if err := s.service.Ping(ctx); err != nil {
		database = map[string]any{"status": "error", "error": err.Error()}
		return http.StatusServiceUnavailable, map[string]any{
			"ok":     false,
			"status": "not_ready",
			"checks": map[string]any{"database": database},
		}, nil
	}
	return http.StatusOK, map[string]any{
		"ok":     true,
		"status": "ready",
		"checks": map[string]any{"database": database},
	}, nil
}

func (s *HTTPServer) currentSession(_ *http.Request, c call) (int, any, error) {
	if c.session == nil {
		return http.StatusOK, map[string]any{"authenticated": false, "address": nil}, nil
	}
	return http.StatusOK, map[string]any{
		"authenticated": true,
		"address":       c.session.Address,
		"role":          c.session.Role,
		"expiresAt":     c.session.ExpiresAt,
	}, nil
}

func (s *HTTPServer) login(r *http.Request, _ call) (int, any, error) {
	var body struct {
		Address string `json:"address"`
	}
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	session, err := s.service.Login(r.Context(), body.Address)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{
		"token":     session.Token,
		"address":   session.Address,
		"role":      session.Role,
		"expiresAt": session.ExpiresAt,
	}, nil
}

// command runs one write. A bad bearer token is rejected even though the
// route is public, so body validation can still answer before auth.
func (s *HTTPServer) command(r *http.Request, c call) (int, any, error) {
	var cmd Command
	if err := decodeBody(r, &cmd); err != nil {
		return 0, nil, err
	}
	caller := CommandContext{
		IP:        clientIP(r),
		HeaderKey: firstNonBlank(r.Header.Get("Idempotency-Key"), r.Header.Get("X-Idempotency-Key")),
	}
	if c.session != nil {
		caller.Address = c.session.Address
		caller.Role = c.session.Role
	} else if bearerToken(r) != "" {
		return 0, nil, auth.ErrInvalidToken
	}
	response, err := s.service.ExecuteCommand(r.Context(), caller, cmd)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, response, nil
}

func (s *HTTPServer) clock(r *http.Request, _ call) (int, any, error) {
	clock, err := s.service.Clock(r.Context())
	return http.StatusOK, clock, err
}

func (s *HTTPServer) chambers(r *http.Request, _ call) (int, any, error) {
	chambers, err := s.service.ListChambers(r.Context())
	return http.StatusOK, map[string]any{"items": chambers}, err
}

func (s *HTTPServer) proposals(r *http.Request, _ call) (int, any, error) {
	query := r.URL.Query()
	payload, err := s.service.ListProposals(r.Context(), ProposalListInput{
		Stage:     query.Get("stage"),
		Query:     query.Get("q"),
		ChamberID: query.Get("chamberId"),
		Limit:     queryInt(query.Get("limit")),
		Offset:    queryInt(query.Get("offset")),
	})
	return http.StatusOK, payload, err
}

func (s *HTTPServer) proposalView(page string) endpoint {
	return func(r *http.Request, c call) (int, any, error) {
		id := c.params["id"]
		viewer := ""
		if c.session != nil {
			viewer = c.session.Address
		}
		var (
			payload any
			err     error
		)
		switch page {
		case "pool":
			payload, err = s.service.PoolPage(r.Context(), id, viewer)
		case "chamber":
			payload, err = s.service.ChamberPage(r.Context(), id, viewer)
		case "formation":
			payload, err = s.service.FormationPage(r.Context(), id)
		default:
			payload, err = s.service.GetProposal(r.Context(), id)
		}
		return http.StatusOK, payload, err
	}
}

func (s *HTTPServer) courtCase(r *http.Request, c call) (int, any, error) {
	payload, err := s.service.CourtCase(r.Context(), c.params["id"])
	return http.StatusOK, payload, err
}

func (s *HTTPServer) cmSummary(r *http.Request, c call) (int, any, error) {
	payload, err := s.service.CmSummary(r.Context(), util.NormalizeAddress(c.params["address"]))
	return http.StatusOK, payload, err
}

func (s *HTTPServer) myGovernance(r *http.Request, c call) (int, any, error) {
	payload, err := s.service.MyGovernance(r.Context(), c.session.Address)
	return http.StatusOK, payload, err
}

func (s *HTTPServer) tick(r *http.Request, _ call) (int, any, error) {
	var body struct {
		ForceAdvance bool  `json:"forceAdvance"`
		Rollup       *bool `json:"rollup"`
	}
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	result, err := s.service.Tick(r.Context(), TickOptions{
		ForceAdvance: body.ForceAdvance,
		SkipRollup:   body.Rollup != nil && !*body.Rollup,
	})
	return http.StatusOK, result, err
}

// rollup defaults to the current era when none is named.
func (s *HTTPServer) rollup(r *http.Request, _ call) (int, any, error) {
	var body struct {
		Era *int `json:"era"`
	}
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	if body.Era == nil {
		clock, err := s.service.Clock(r.Context())
		if err != nil {
			return 0, nil, err
		}
		body.Era = &clock.CurrentEra
	}
	result, err := s.service.RollupEra(r.Context(), *body.Era)
	return http.StatusOK, result, err
}

func (s *HTTPServer) openCourtCase(r *http.Request, _ call) (int, any, error) {
	var body OpenCourtCaseInput
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	payload, err := s.service.OpenCourtCase(r.Context(), body)
	return http.StatusCreated, payload, err
}

func (s *HTTPServer) writesFrozen(r *http.Request, _ call) (int, any, error) {
	var body struct {
		Frozen bool `json:"frozen"`
	}
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	payload, err := s.service.SetWritesFrozen(r.Context(), body.Frozen)
	return http.StatusOK, payload, err
}

func (s *HTTPServer) actionLock(r *http.Request, _ call) (int, any, error) {
	var body ActionLockInput
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	payload, err := s.service.SetActionLock(r.Context(), body)
	return http.StatusOK, payload, err
}

func (s *HTTPServer) reindex(r *http.Request, _ call) (int, any, error) {
	indexed, err := s.service.Reindex(r.Context())
	return http.StatusOK, map[string]any{"ok": true, "indexed": indexed}, err
}

// fail writes err as a JSON error. Retry hints in the error details are
// mirrored into a Retry-After header.
func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		s.service.logger.Error("request failed", "error", err)
	}
	if fields, ok := details.(map[string]any); ok {
		if seconds, ok := fields["retryAfterSeconds"].(int); ok && seconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		header := rec.Header()
		header.Set("Access-Control-Allow-Origin", s.corsOrigin)
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Idempotency-Key, X-Idempotency-Key")
		header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		header.Set("Cache-Control", "no-store")
		header.Set("Content-Type", "application/json")
		header.Set("X-Request-ID", requestID)

		started := time.Now()
		next.ServeHTTP(rec, r)
		s.service.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	body := map[string]any{"code": code, "error": message}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

var errInvalidBody = errors.New("invalid JSON body")

// decodeBody accepts an empty body as the zero value.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(target)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %v", errInvalidBody, err)
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || scheme != "Bearer" {
		return ""
	}
	return strings.TrimSpace(token)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// matchPath binds {name} segments of pattern against segments.
func matchPath(pattern, segments []string) (map[string]string, bool) {
	if len(pattern) != len(segments) {
		return nil, false
	}
	var params map[string]string
	for i, part := range pattern {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			if segments[i] == "" {
				return nil, false
			}
			if params == nil {
				params = map[string]string{}
			}
			params[part[1:len(part)-1]] = segments[i]
			continue
		}
		if part != segments[i] {
			return nil, false
		}
	}
	return params, true
}

func queryInt(raw string) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, errInvalidBody):
		return http.StatusBadRequest, "INVALID_BODY", err.Error(), nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
	}
}
