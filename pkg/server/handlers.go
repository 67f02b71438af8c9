package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/conversation"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a bridge error to an HTTP status.
func statusFor(err error) int {
	switch protocol.KindOf(err) {
	case protocol.KindNotRunning:
		return http.StatusServiceUnavailable
	case protocol.KindTimeout:
		return http.StatusGatewayTimeout
	case protocol.KindConnection, protocol.KindProtocol:
		return http.StatusBadGateway
	case protocol.KindToolExecution:
		return http.StatusUnprocessableEntity
	case protocol.KindConfiguration:
		return http.StatusBadRequest
	case protocol.KindCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"bridge": s.getBridge().State().String(),
	})
}

func (s *HTTPServer) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, config.Schema())
}

func (s *HTTPServer) handleListTools(w http.ResponseWriter, r *http.Request) {
	registry := s.getBridge().Registry()

	var schemas []protocol.ToolSchema
	switch {
	case r.URL.Query().Get("category") != "":
		schemas = registry.ListByCategory(r.URL.Query().Get("category"))
	case r.URL.Query().Get("keyword") != "":
		schemas = registry.ListByKeyword(r.URL.Query().Get("keyword"))
	default:
		schemas = registry.List()
	}
	if schemas == nil {
		schemas = []protocol.ToolSchema{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tools": schemas,
		"total": len(schemas),
	})
}

func (s *HTTPServer) handleGetTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	registry := s.getBridge().Registry()

	schema, ok := registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "tool not found: "+name)
		return
	}
	instructions, _ := registry.GenerateInstructions(name)
	writeJSON(w, http.StatusOK, map[string]any{
		"tool":         schema,
		"instructions": instructions,
	})
}

func (s *HTTPServer) handleCallTool(w http.ResponseWriter, r *http.Request) {
	tool, function := chi.URLParam(r, "tool"), chi.URLParam(r, "function")

	var args map[string]any
	if !decodeBody(w, r, &args) {
		return
	}

	result, err := s.getBridge().CallTool(r.Context(), tool, function, args)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{
			"result": result,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

func (s *HTTPServer) readPrompt(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req promptRequest
	if !decodeBody(w, r, &req) {
		return "", false
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return "", false
	}
	return req.Prompt, true
}

func (s *HTTPServer) handlePrompt(w http.ResponseWriter, r *http.Request) {
	prompt, ok := s.readPrompt(w, r)
	if !ok {
		return
	}

	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	answer, err := s.getBridge().SendPrompt(r.Context(), prompt)
	if err != nil {
		slog.Warn("Prompt failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": answer})
}

// streamEvent is the NDJSON line written for each conversation event.
type streamEvent struct {
	Type     conversation.EventType   `json:"type"`
	Delta    string                   `json:"delta,omitempty"`
	ToolCall *protocol.ToolCall       `json:"tool_call,omitempty"`
	Result   *protocol.ToolCallResult `json:"result,omitempty"`
	Final    string                   `json:"final,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

func (s *HTTPServer) handlePromptStream(w http.ResponseWriter, r *http.Request) {
	prompt, ok := s.readPrompt(w, r)
	if !ok {
		return
	}

	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for ev := range s.getBridge().Stream(r.Context(), prompt) {
		line := streamEvent{
			Type:     ev.Type,
			Delta:    ev.Delta,
			ToolCall: ev.ToolCall,
			Result:   ev.Result,
			Final:    ev.Final,
		}
		if ev.Err != nil {
			line.Error = ev.Err.Error()
		}
		if err := enc.Encode(line); err != nil {
			// Client went away; keep draining so the turn can finish.
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.getBridge().History()})
}

func (s *HTTPServer) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	keep := true
	if v := r.URL.Query().Get("keep_system"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "keep_system must be a boolean")
			return
		}
		keep = parsed
	}

	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	s.getBridge().ClearHistory(keep)
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSystemPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	s.getBridge().UpdateSystemPrompt(req.Prompt)
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleTranscript(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	session := r.URL.Query().Get("session")
	if session == "" {
		session = s.transcript.SessionID()
	}

	records, err := s.transcript.List(r.Context(), session, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session, "events": records})
}
