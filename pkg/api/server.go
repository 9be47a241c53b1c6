// Package api is the HTTP ingress: it enqueues jobs, reads job status,
// exposes the session status, and handles QR credential issuance. It
// holds no orchestration logic of its own; every terminal error kind
// from the core maps to a distinct client-facing error code here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/pkg/credential"
	"github.com/relaygate/relaygate/pkg/queue"
	"github.com/relaygate/relaygate/pkg/session"
)

// phonePattern is a loose E.164 shape check; the chat application is the
// final authority on whether a number exists.
var phonePattern = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)

// JobQueue is the queue surface the API needs.
type JobQueue interface {
	Enqueue(ctx context.Context, job queue.Job) error
	Lookup(ctx context.Context, id string) (queue.Record, error)
}

// Server holds the handler dependencies.
type Server struct {
	queue   JobQueue
	machine *session.Machine
	issuer  *credential.Issuer
	banRec  *session.BanRecord
	logger  *slog.Logger
}

// NewServer creates the ingress server.
func NewServer(q JobQueue, machine *session.Machine, issuer *credential.Issuer, banRec *session.BanRecord, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{queue: q, machine: machine, issuer: issuer, banRec: banRec, logger: logger}
}

// Routes returns the configured mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", s.handleEnqueue)
	mux.HandleFunc("GET /messages/{id}", s.handleJobStatus)
	mux.HandleFunc("GET /session/status", s.handleSessionStatus)
	mux.HandleFunc("POST /session/qr", s.handleIssueCredential)
	mux.HandleFunc("GET /session/qr/{token}", s.handleReadCredential)
	mux.HandleFunc("DELETE /session/ban", s.handleClearBan)
	return mux
}

type enqueueRequest struct {
	ID      string `json:"id,omitempty"`
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type enqueueResponse struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	if !phonePattern.MatchString(req.Phone) {
		writeError(w, http.StatusBadRequest, "bad_phone", "phone must be E.164")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "empty_message", "message is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	// The chat application's direct-send URL takes the number bare; the
	// plus is accepted on input and dropped here.
	req.Phone = strings.TrimPrefix(req.Phone, "+")

	err := s.queue.Enqueue(r.Context(), queue.Job{ID: req.ID, Phone: req.Phone, Message: req.Message})
	if errors.Is(err, queue.ErrDuplicate) {
		// Producer retries are expected; re-submitting an id is a
		// success, not a conflict.
		writeJSON(w, http.StatusOK, enqueueResponse{ID: req.ID, Duplicate: true})
		return
	}
	if err != nil {
		s.logger.Error("enqueue failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "could not enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: req.ID})
}

type jobStatusResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	ErrorKind string `json:"error_kind,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	record, err := s.queue.Lookup(r.Context(), r.PathValue("id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "unknown_job", "no such job")
		return
	}
	if err != nil {
		s.logger.Error("job lookup failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "could not read job")
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{
		ID:        record.Job.ID,
		Status:    string(record.Status),
		Attempts:  record.Attempts,
		ErrorKind: record.ErrorKind,
		LastError: record.LastError,
	})
}

type sessionStatusResponse struct {
	State                string `json:"state"`
	HasPendingCredential bool   `json:"has_pending_credential"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.issuer.HasPending(r.Context())
	if err != nil {
		s.logger.Error("credential lookup failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not read status")
		return
	}
	writeJSON(w, http.StatusOK, sessionStatusResponse{
		State:                string(s.machine.State()),
		HasPendingCredential: pending,
	})
}

type issueCredentialResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in_seconds"`
}

func (s *Server) handleIssueCredential(w http.ResponseWriter, r *http.Request) {
	payload := s.machine.QRPayload()
	if payload == "" {
		writeError(w, http.StatusConflict, "no_pending_qr", "no QR code awaiting scan")
		return
	}
	token, err := s.issuer.Issue(r.Context(), payload)
	if errors.Is(err, credential.ErrIssueRateLimited) {
		writeError(w, http.StatusTooManyRequests, "issue_rate_limited", "credential issuance rate limited")
		return
	}
	if err != nil {
		s.logger.Error("credential issue failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not issue credential")
		return
	}
	writeJSON(w, http.StatusCreated, issueCredentialResponse{
		Token:     token,
		ExpiresIn: int(credential.TokenTTL.Seconds()),
	})
}

func (s *Server) handleReadCredential(w http.ResponseWriter, r *http.Request) {
	payload, err := s.issuer.Read(r.Context(), r.PathValue("token"))
	if errors.Is(err, credential.ErrTokenInvalid) {
		writeError(w, http.StatusNotFound, "invalid_token", "token unknown, expired, or already used")
		return
	}
	if err != nil {
		s.logger.Error("credential read failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not read credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"qr": payload})
}

func (s *Server) handleClearBan(w http.ResponseWriter, r *http.Request) {
	if err := s.banRec.Clear(r.Context()); err != nil {
		s.logger.Error("ban flag clear failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not clear ban flag")
		return
	}
	s.logger.Warn("ban flag cleared by operator; restart required to resume")
	writeJSON(w, http.StatusOK, map[string]string{"note": "ban flag cleared; restart the service to re-initialize the session"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
