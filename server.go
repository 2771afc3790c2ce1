package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"i4.energy/across/atchat/engine"
	"i4.energy/across/atchat/logger"
)

// Gateway is the part of the modem the HTTP server drives.
type Gateway interface {
	SendSMS(ctx context.Context, recipient, message string) error
	Exec(ctx context.Context, attr engine.Attr, cmd string) (string, error)
}

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger logger.Logger
	Modem  Gateway
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sms", s.handleSMS)
	mux.HandleFunc("POST /at", s.handleAT)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// requestLogger tags the log lines of one request and echoes the id back.
func (s *Server) requestLogger(w http.ResponseWriter, r *http.Request) logger.Logger {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", id)
	return s.Logger.With("request_id", id, "path", r.URL.Path)
}

// handleSMS processes incoming HTTP POST requests to send SMS messages
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(w, r)

	type SMSRequest struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}

	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.To == "" || req.Message == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	if err := s.Modem.SendSMS(r.Context(), req.To, req.Message); err != nil {
		log.Error("Failed to send SMS", "error", err, "to", req.To)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	log.Info("SMS sent successfully", "to", req.To, "message_length", len(req.Message))
	w.WriteHeader(http.StatusOK)
}

// handleAT runs one AT command and returns the response lines.
func (s *Server) handleAT(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(w, r)

	type ATRequest struct {
		Cmd       string `json:"cmd"`
		TimeoutMS int    `json:"timeout_ms"`
		Retry     *int   `json:"retry"`
		Prefix    string `json:"prefix"`
		Suffix    string `json:"suffix"`
	}
	type ATResponse struct {
		Response string `json:"response"`
	}

	var req ATRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Cmd == "" {
		s.sendError(w, "'cmd' field is required", http.StatusBadRequest)
		return
	}
	if req.TimeoutMS < 0 || (req.Retry != nil && *req.Retry < 0) {
		s.sendError(w, "'timeout_ms' and 'retry' must not be negative", http.StatusBadRequest)
		return
	}

	attr := engine.DefaultAttr()
	attr.Prefix = req.Prefix
	attr.Suffix = req.Suffix
	if req.TimeoutMS > 0 {
		attr.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if req.Retry != nil {
		attr.Retry = *req.Retry
	}

	resp, err := s.Modem.Exec(r.Context(), attr, req.Cmd)
	if err != nil {
		log.Warn("AT command failed", "error", err, "cmd", req.Cmd)
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, engine.ErrTimeout):
			status = http.StatusGatewayTimeout
		case errors.Is(err, engine.ErrQueueFull):
			status = http.StatusServiceUnavailable
		case errors.Is(err, engine.ErrEmptyCommand):
			status = http.StatusBadRequest
		}
		s.sendError(w, err.Error(), status)
		return
	}

	log.Debug("AT command completed", "cmd", req.Cmd)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ATResponse{Response: resp})
}
