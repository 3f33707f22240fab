package api

import (
	"errors"
	"net/http"

	"github.com/casepilot/casepilot/internal/auth"
	"github.com/casepilot/casepilot/internal/queue"
)

func (s *Server) handleEnqueueBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "batch id")
	if !ok {
		return
	}
	actor := requestActor(r)
	position, err := s.runner.Enqueue(r.Context(), id, actor)
	if err != nil {
		s.writeQueueError(w, err, "enqueue batch", id)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"batch_id":       id,
		"queue_position": position,
	})
}

func (s *Server) handleDequeueBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "batch id")
	if !ok {
		return
	}
	if err := s.runner.Dequeue(r.Context(), id); err != nil {
		s.writeQueueError(w, err, "dequeue batch", id)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"batch_id": id, "dequeued": true})
}

func (s *Server) handleStartQueue(w http.ResponseWriter, r *http.Request) {
	actor := requestActor(r)
	queued, err := s.runner.Start(r.Context(), actor)
	if err != nil {
		s.writeQueueError(w, err, "start queue", 0)
		return
	}
	jsonResponse(w, http.StatusAccepted, map[string]any{
		"started":      true,
		"queued_count": queued,
	})
}

func (s *Server) handleStopQueue(w http.ResponseWriter, r *http.Request) {
	current, err := s.runner.Stop()
	if err != nil {
		s.writeQueueError(w, err, "stop queue", 0)
		return
	}
	resp := map[string]any{"stop_requested": true}
	if current != 0 {
		resp["current_batch_id"] = current
	}
	jsonResponse(w, http.StatusAccepted, resp)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.runner.Status(r.Context()))
}

// writeQueueError maps the runner's sentinel errors onto HTTP statuses.
// Anything unrecognized is a store failure and reported as a 500.
func (s *Server) writeQueueError(w http.ResponseWriter, err error, op string, batchID int64) {
	var status int
	switch {
	case errors.Is(err, queue.ErrBatchNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrNoEligibleItems),
		errors.Is(err, queue.ErrQueueEmpty):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrAlreadyQueued),
		errors.Is(err, queue.ErrNotQueued),
		errors.Is(err, queue.ErrBatchInUse),
		errors.Is(err, queue.ErrAlreadyRunning),
		errors.Is(err, queue.ErrNotRunning),
		errors.Is(err, queue.ErrLeaseUnavailable):
		status = http.StatusConflict
	default:
		s.logger.Error(op, "batch_id", batchID, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonError(w, err.Error(), status)
}

func requestActor(r *http.Request) string {
	if claims := auth.GetClaims(r.Context()); claims != nil {
		return claims.Actor
	}
	return ""
}
