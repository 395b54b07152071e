package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qpro/queue-engine/internal/models"
	"qpro/queue-engine/internal/queue"
	"qpro/queue-engine/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine is the write side: every queue mutation goes through it.
type Engine interface {
	Issue(ctx context.Context, input queue.IssueInput) (queue.IssueResult, error)
	ServeNext(ctx context.Context, officeID string) (*models.QueueToken, error)
	Skip(ctx context.Context, officeID string) (*models.QueueToken, error)
	SetPaused(ctx context.Context, officeID string, paused bool) (models.QueueState, error)
	SetClosed(ctx context.Context, officeID string, closed bool) (models.QueueState, error)
}

type Queries interface {
	LiveView(ctx context.Context, officeID, tokenID string) (models.LiveView, error)
	Token(ctx context.Context, tokenID string) (models.QueueToken, error)
	ActiveToken(ctx context.Context, holderID string) (models.QueueToken, bool, error)
	OfficeBySlug(ctx context.Context, slug string) (queue.OfficeSummary, error)
	ListTokens(ctx context.Context, officeID, day string, statuses []string, search string) (queue.TokenList, error)
	Stats(ctx context.Context, officeID, day string) (models.OfficeStats, error)
	Events(ctx context.Context, officeID string, after time.Time, limit int) ([]store.OutboxEvent, error)
}

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 500
)

type Handler struct {
	engine  Engine
	queries Queries
	passes  *HolderPasses
	logger  *zap.Logger
}

type issueTicketRequest struct {
	OfficeID     string `json:"office_id"`
	DepartmentID string `json:"department_id"`
	HolderName   string `json:"holder_name"`
	HolderPhone  string `json:"holder_phone"`
	HolderID     string `json:"holder_id"`
}

type issueTicketResponse struct {
	Token                models.QueueToken `json:"token"`
	TicketLabel          string            `json:"ticket_label"`
	EstimatedWaitMinutes int               `json:"estimated_wait_minutes"`
	EstimatedServeAt     time.Time         `json:"estimated_serve_at"`
	WaitLabel            string            `json:"wait_label"`
	HolderPass           string            `json:"holder_pass,omitempty"`
	HolderPassExpiresAt  *time.Time        `json:"holder_pass_expires_at,omitempty"`
}

type servingResponse struct {
	Promoted *models.QueueToken `json:"promoted"`
	Info     string             `json:"info,omitempty"`
}

type pauseRequest struct {
	Paused *bool `json:"paused"`
}

type closeRequest struct {
	Closed *bool `json:"closed"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TokenID string `json:"token_id,omitempty"`
}

func NewHandler(engine Engine, queries Queries, passes *HolderPasses, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, queries: queries, passes: passes, logger: logger}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tokens/", h.handleToken)
	mux.HandleFunc("/api/holders/me/token", h.handleHolderToken)
	mux.HandleFunc("/api/offices/", h.handleOffices)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)

	var req issueTicketRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.OfficeID = strings.TrimSpace(req.OfficeID)
	req.DepartmentID = strings.TrimSpace(req.DepartmentID)
	req.HolderName = strings.TrimSpace(req.HolderName)
	req.HolderPhone = strings.TrimSpace(req.HolderPhone)
	req.HolderID = strings.TrimSpace(req.HolderID)
	if holderID := holderIDFromRequest(r); holderID != "" {
		req.HolderID = holderID
	}

	if req.OfficeID == "" || req.HolderName == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "office_id and holder_name are required")
		return
	}
	if !isValidUUID(req.OfficeID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "office_id must be a UUID")
		return
	}
	if req.DepartmentID != "" && !isValidUUID(req.DepartmentID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "department_id must be a UUID when provided")
		return
	}
	if req.HolderPhone != "" && !isValidPhone(req.HolderPhone) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "holder_phone must be 8-16 digits")
		return
	}

	result, err := h.engine.Issue(r.Context(), queue.IssueInput{
		OfficeID:     req.OfficeID,
		DepartmentID: req.DepartmentID,
		HolderName:   req.HolderName,
		HolderPhone:  req.HolderPhone,
		HolderID:     req.HolderID,
	})
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}

	resp := issueTicketResponse{
		Token:                result.Token,
		TicketLabel:          models.FormatTicketNumber(result.Token.TicketNumber),
		EstimatedWaitMinutes: result.EstimatedWaitMinutes,
		EstimatedServeAt:     result.EstimatedServeAt,
		WaitLabel:            queue.FormatWait(result.EstimatedWaitMinutes),
	}
	if h.passes != nil {
		pass, expiresAt, err := h.passes.Issue(result.Token)
		if err != nil {
			h.logger.Error("holder pass signing failed", zap.String("token_id", result.Token.TokenID), zap.Error(err))
		} else {
			resp.HolderPass = pass
			resp.HolderPassExpiresAt = &expiresAt
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleToken serves GET /api/tokens/{id} to the pass holder or an operator
// of the token's office.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)
	tokenID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tokens/"), "/")
	if tokenID == "" || strings.Contains(tokenID, "/") || !isValidUUID(tokenID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "token id must be a UUID")
		return
	}

	token, err := h.queries.Token(r.Context(), tokenID)
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	holder := h.passes.Allows(holderPassFromRequest(r), token)
	operator := canOperate(r, token.OfficeID)
	if !holder && !operator {
		writeError(w, requestID, http.StatusForbidden, "access_denied", "holder pass required")
		return
	}

	view, err := h.queries.LiveView(r.Context(), token.OfficeID, token.TokenID)
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, redactView(view, operator, true))
}

// handleHolderToken returns the caller's waiting or serving ticket. The
// identity collaborator forwards the holder in X-Holder-ID.
func (h *Handler) handleHolderToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)
	holderID := holderIDFromRequest(r)
	if holderID == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "X-Holder-ID is required")
		return
	}

	token, found, err := h.queries.ActiveToken(r.Context(), holderID)
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	view, err := h.queries.LiveView(r.Context(), token.OfficeID, token.TokenID)
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, redactView(view, canOperate(r, token.OfficeID), true))
}

func (h *Handler) handleOffices(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/offices/"), "/")
	parts := strings.Split(rest, "/")
	requestID := requestIDFromRequest(r)

	if len(parts) == 2 && parts[0] == "by-slug" {
		h.handleOfficeBySlug(w, r, parts[1])
		return
	}
	if len(parts) < 2 || parts[0] == "" {
		writeError(w, requestID, http.StatusNotFound, "not_found", "route not found")
		return
	}
	officeID := parts[0]
	if !isValidUUID(officeID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "office id must be a UUID")
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "live":
		h.handleLive(w, r, officeID)
	case len(parts) == 2 && parts[1] == "tokens":
		h.handleListTokens(w, r, officeID)
	case len(parts) == 2 && parts[1] == "stats":
		h.handleStats(w, r, officeID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleAction(w, r, officeID, parts[2])
	default:
		writeError(w, requestID, http.StatusNotFound, "not_found", "route not found")
	}
}

func (h *Handler) handleOfficeBySlug(w http.ResponseWriter, r *http.Request, slug string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)
	slug = strings.TrimSpace(slug)
	if slug == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "slug is required")
		return
	}
	summary, err := h.queries.OfficeBySlug(r.Context(), slug)
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request, officeID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)
	tokenID := strings.TrimSpace(r.URL.Query().Get("token_id"))
	if tokenID != "" && !isValidUUID(tokenID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return
	}

	view, err := h.queries.LiveView(r.Context(), officeID, tokenID)
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	operator := canOperate(r, officeID)
	holder := view.Token != nil && h.passes.Allows(holderPassFromRequest(r), view.Token.Token)
	writeJSON(w, http.StatusOK, redactView(view, operator, holder))
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, officeID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requireOffice(w, r, officeID) {
		return
	}
	requestID := requestIDFromRequest(r)

	switch action {
	case "serve-next":
		promoted, err := h.engine.ServeNext(r.Context(), officeID)
		if err != nil {
			h.writeMappedError(w, requestID, err)
			return
		}
		resp := servingResponse{Promoted: promoted}
		if promoted == nil {
			resp.Info = "queue_empty"
		}
		writeJSON(w, http.StatusOK, resp)
	case "skip":
		promoted, err := h.engine.Skip(r.Context(), officeID)
		if errors.Is(err, store.ErrNoTokenServing) {
			writeJSON(w, http.StatusOK, servingResponse{Info: "no_token_serving"})
			return
		}
		if err != nil {
			h.writeMappedError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, servingResponse{Promoted: promoted})
	case "pause":
		var req pauseRequest
		if !decodeStrict(w, r, requestID, &req) {
			return
		}
		if req.Paused == nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "paused is required")
			return
		}
		state, err := h.engine.SetPaused(r.Context(), officeID, *req.Paused)
		if err != nil {
			h.writeMappedError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	case "close":
		var req closeRequest
		if !decodeStrict(w, r, requestID, &req) {
			return
		}
		if req.Closed == nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "closed is required")
			return
		}
		state, err := h.engine.SetClosed(r.Context(), officeID, *req.Closed)
		if err != nil {
			h.writeMappedError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	default:
		writeError(w, requestID, http.StatusNotFound, "not_found", "unknown action")
	}
}

func (h *Handler) handleListTokens(w http.ResponseWriter, r *http.Request, officeID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requireOffice(w, r, officeID) {
		return
	}
	requestID := requestIDFromRequest(r)
	query := r.URL.Query()

	day, ok := parseDay(w, requestID, query.Get("date"))
	if !ok {
		return
	}
	var statuses []string
	if raw := strings.TrimSpace(query.Get("status")); raw != "" && raw != "all" {
		for _, status := range strings.Split(raw, ",") {
			status = strings.TrimSpace(status)
			if !models.IsValidStatus(status) {
				writeError(w, requestID, http.StatusBadRequest, "invalid_request", "status must be waiting, serving, served, or skipped")
				return
			}
			statuses = append(statuses, status)
		}
	}

	list, err := h.queries.ListTokens(r.Context(), officeID, day, statuses, strings.TrimSpace(query.Get("q")))
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request, officeID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requireOffice(w, r, officeID) {
		return
	}
	requestID := requestIDFromRequest(r)
	day, ok := parseDay(w, requestID, r.URL.Query().Get("date"))
	if !ok {
		return
	}
	stats, err := h.queries.Stats(r.Context(), officeID, day)
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)
	query := r.URL.Query()

	officeID := strings.TrimSpace(query.Get("office_id"))
	if officeID != "" && !isValidUUID(officeID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "office_id must be a UUID")
		return
	}
	if !requireOffice(w, r, officeID) {
		return
	}

	var after time.Time
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "after must be RFC3339")
			return
		}
		after = parsed
	}
	limit := defaultEventsLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxEventsLimit {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	events, err := h.queries.Events(r.Context(), officeID, after, limit)
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// redactView strips holder contact details the caller may not see. Operators
// see everything; a pass holder sees their own token.
func redactView(view models.LiveView, operator, holder bool) models.LiveView {
	if operator {
		return view
	}
	if view.Serving != nil {
		serving := view.Serving.Redacted()
		view.Serving = &serving
	}
	if view.Token != nil && !holder {
		token := *view.Token
		token.Token = token.Token.Redacted()
		view.Token = &token
	}
	return view
}

func decodeStrict(w http.ResponseWriter, r *http.Request, requestID string, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func parseDay(w http.ResponseWriter, requestID, raw string) (string, bool) {
	day := strings.TrimSpace(raw)
	if day == "" {
		return "", true
	}
	if !queue.ValidServiceDay(day) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
		return "", false
	}
	return day, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidPhone(value string) bool {
	value = strings.TrimPrefix(value, "+")
	if len(value) < 8 || len(value) > 16 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (h *Handler) writeMappedError(w http.ResponseWriter, requestID string, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("request_id", requestID), zap.Error(err))
	}
	resp := errorResponse{RequestID: requestID, Error: responseError{Code: code, Message: msg}}
	var queued *queue.HolderQueuedError
	if errors.As(err, &queued) {
		resp.Error.TokenID = queued.TokenID
	}
	writeJSON(w, status, resp)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrOfficeNotFound):
		return http.StatusNotFound, "office_not_found", "office not found"
	case errors.Is(err, store.ErrDepartmentNotFound):
		return http.StatusNotFound, "department_not_found", "department not found"
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrQueueClosed):
		return http.StatusConflict, "queue_closed", "queue is closed"
	case errors.Is(err, store.ErrQueuePaused):
		return http.StatusConflict, "queue_paused", "queue is paused"
	case errors.Is(err, store.ErrHolderAlreadyQueued):
		return http.StatusConflict, "holder_already_queued", "holder already has an active ticket"
	case errors.Is(err, store.ErrInvalidState), errors.Is(err, store.ErrAlreadyServing):
		return http.StatusConflict, "invalid_state", "token state does not allow this action"
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", "invalid request"
	case errors.Is(err, store.ErrTransientUnavailable):
		return http.StatusServiceUnavailable, "unavailable", "queue temporarily unavailable, retry"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
