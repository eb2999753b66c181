package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/openframebox/queuehub"
)

type publishRequest struct {
	QueueName   string          `json:"queueName"`
	MessageType string          `json:"messageType"`
	Payload     json.RawMessage `json:"payload"`
	Priority    string          `json:"priority,omitempty"`
	Delay       int64           `json:"delay,omitempty"` // milliseconds
	RetryCount  int             `json:"retryCount,omitempty"`
	MaxRetries  int             `json:"maxRetries,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

type publishResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	QueueName string `json:"queueName"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.QueueName == "" || req.MessageType == "" {
		writeError(w, http.StatusBadRequest, "queueName and messageType are required")
		return
	}
	if req.Delay < 0 {
		writeError(w, http.StatusBadRequest, "delay must not be negative")
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	id, err := s.svc.Publish(r.Context(), req.QueueName, req.MessageType, payload, queuehub.PublishOptions{
		Priority:   queuehub.ParsePriority(req.Priority),
		Delay:      time.Duration(req.Delay) * time.Millisecond,
		RetryCount: req.RetryCount,
		MaxRetries: req.MaxRetries,
		Metadata:   req.Metadata,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, publishResponse{
		MessageID: id,
		Status:    "published",
		QueueName: req.QueueName,
	})
}

func (s *Server) handleAllStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.AllQueueStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":     stats,
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queueName")
	stats, err := s.svc.QueueStats(r.Context(), queue)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queueName": queue,
		"stats":     stats,
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) handleQueueMessages(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queueName")
	q := r.URL.Query()

	var status queuehub.Status
	if raw := q.Get("status"); raw != "" && raw != "all" {
		parsed, ok := queuehub.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
		status = parsed
	}

	limit, err := queryInt(q.Get("limit"), queuehub.DefaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset: "+err.Error())
		return
	}

	messages, err := s.svc.QueueMessages(r.Context(), queue, status, limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queueName": queue,
		"messages":  messages,
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("messageId")
	rec, err := s.svc.Message(r.Context(), id)
	if err != nil {
		if errors.Is(err, queuehub.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{
				StatusCode: http.StatusNotFound,
				Message:    fmt.Sprintf("message %s not found", id),
				Error:      "Message not found",
			})
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("messageId")
	if err := s.svc.DeleteMessage(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"messageId": id,
		"status":    "deleted",
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("messageId")
	if err := s.svc.RetryMessage(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"messageId": id,
		"status":    "retried",
	})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queueName")
	if err := s.svc.PurgeQueue(r.Context(), queue); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"queueName": queue,
		"status":    "purged",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !s.svc.Healthy(r.Context()) {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": s.now().UTC(),
	})
}

// queryInt parses a non-negative integer query value, returning fallback when empty.
func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%q is not a non-negative integer", raw)
	}
	return n, nil
}
