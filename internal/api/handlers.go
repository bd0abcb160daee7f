package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/switchboard/internal/connection"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/journal"
	"github.com/mattjoyce/switchboard/internal/registry"
	"github.com/mattjoyce/switchboard/internal/request"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Stats:         stats,
	})
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := s.engine.Operations()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ops)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.engine.Operation(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, op)
}

// handleHandleWith handles POST /operations/{id}/handle-with. It blocks
// until the chosen handler has answered.
func (s *Server) handleHandleWith(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req HandleWithRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.HandleWithTimeout)
	defer cancel()
	if err := s.engine.HandleWith(ctx, id, req.Handler); err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, OperationResult{Operation: id, Status: dispatch.OutcomeHandled, Client: req.Handler})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ClaimRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Claimant == "" {
		s.writeError(w, http.StatusBadRequest, "claimant is required")
		return
	}
	if err := s.engine.Claim(r.Context(), id, req.Claimant); err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, OperationResult{Operation: id, Status: dispatch.OutcomeClaimed, Client: req.Claimant})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.engine.Requests()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequestBody
	if !s.decode(w, r, &body) {
		return
	}
	account := body.Account
	if account == "" && s.source != nil {
		account, _ = s.source.Account(body.Connection)
	}
	p := request.SubmitParams{
		Account:          account,
		Connection:       body.Connection,
		Requester:        body.Requester,
		Properties:       body.Properties,
		PreferredHandler: body.PreferredHandler,
		Ensure:           body.Ensure,
		Hints:            body.Hints,
	}
	if body.UserActionTime != nil {
		p.UserActionTime = *body.UserActionTime
	}

	v, err := s.engine.SubmitRequest(p)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.Request(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleProceedRequest(w http.ResponseWriter, r *http.Request) {
	var body CallerRequest
	if !s.decodeOptional(w, r, &body) {
		return
	}
	v, err := s.engine.ProceedRequest(chi.URLParam(r, "id"), body.Caller)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, v)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var body CallerRequest
	if !s.decodeOptional(w, r, &body) {
		return
	}
	v, err := s.engine.CancelRequest(chi.URLParam(r, "id"), body.Caller)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.engine.Clients()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, clients)
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var desc registry.Descriptor
	if !s.decode(w, r, &desc) {
		return
	}
	got, err := s.engine.RegisterClient(desc)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, got)
}

func (s *Server) handleClientVanished(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClientVanished(chi.URLParam(r, "name")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	chans, err := s.engine.Channels()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chans)
}

// handleIncoming handles POST /connections/{conn}/incoming: the channels
// are created on the connection and announced together.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		s.writeError(w, http.StatusNotImplemented, "no channel source configured")
		return
	}
	conn := chi.URLParam(r, "conn")
	var body IncomingRequest
	if !s.decode(w, r, &body) {
		return
	}
	if len(body.Channels) == 0 {
		s.writeError(w, http.StatusBadRequest, "channels must be non-empty")
		return
	}

	chans, err := s.source.Incoming(conn, body.Channels...)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	ops, err := s.engine.AnnounceChannels(conn, chans)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, IncomingResponse{Channels: chans, Operations: ops})
}

// handleCloseChannel handles POST /channels/{id}/close. Channel IDs carry
// slashes, so the ID is path-escaped.
func (s *Server) handleCloseChannel(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	if err := s.engine.CloseChannel(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleOperationHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	q := r.URL.Query()
	recs, err := s.history.ListOperations(r.Context(), journal.OperationFilter{
		Handler: q.Get("handler"),
		Outcome: q.Get("outcome"),
		Limit:   queryInt(q.Get("limit")),
	})
	if err != nil {
		s.logger.Error("failed to read operation history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRequestHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	q := r.URL.Query()
	entries, err := s.history.ListRequests(r.Context(), request.State(q.Get("state")), queryInt(q.Get("limit")))
	if err != nil {
		s.logger.Error("failed to read request history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func queryInt(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be empty.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return s.decode(w, r, v)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrNotFound), errors.Is(err, request.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrAlreadyFinished),
		errors.Is(err, dispatch.ErrAlreadyClaimed),
		errors.Is(err, dispatch.ErrAlreadyHandling),
		errors.Is(err, dispatch.ErrNotReady),
		errors.Is(err, dispatch.ErrNoHandler),
		errors.Is(err, request.ErrAlreadyTerminal),
		errors.Is(err, registry.ErrDuplicateClient):
		return http.StatusConflict
	case errors.Is(err, request.ErrNotYours):
		return http.StatusForbidden
	case errors.Is(err, dispatch.ErrHandlerFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, dispatch.ErrShutdown):
		return http.StatusServiceUnavailable
	case dispatch.IsInvalidRequest(err), errors.Is(err, connection.ErrInvalidProps):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("engine call failed", "error", err)
	}
	s.writeError(w, code, err.Error())
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
