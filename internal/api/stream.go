package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/sitekb/internal/models"
)

// Stream message types.
const (
	StreamStatus = "status"
	StreamError  = "error"
)

// StreamMessage is one frame of the job progress stream.
type StreamMessage struct {
	Type  string              `json:"type"`
	Job   *models.IndexingJob `json:"job,omitempty"`
	Error string              `json:"error,omitempty"`
}

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleStatusStream pushes a status frame whenever the job snapshot changes
// and closes the socket once the job reaches a terminal state.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	tenant, coll := r.PathValue("tenant"), r.PathValue("collection")
	// Fail with a plain HTTP error before upgrading when there is nothing to watch.
	first, err := s.app.Coordinator.GetStatus(r.Context(), tenant, coll)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	// The client sends nothing; reading surfaces close frames and disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(msg StreamMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		return conn.WriteJSON(msg)
	}

	last := first
	if err := send(StreamMessage{Type: StreamStatus, Job: &last}); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	for !last.Status.Terminal() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		job, err := s.app.Coordinator.GetStatus(ctx, tenant, coll)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				_ = send(StreamMessage{Type: StreamError, Error: err.Error()})
			}
			return
		}
		if !progressed(last, job) {
			continue
		}
		last = job
		if err := send(StreamMessage{Type: StreamStatus, Job: &last}); err != nil {
			return
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(last.Status)),
		time.Now().Add(time.Second))
}

func progressed(prev, next models.IndexingJob) bool {
	return prev.JobID != next.JobID ||
		prev.Status != next.Status ||
		prev.PagesFound != next.PagesFound ||
		prev.PagesProcessed != next.PagesProcessed ||
		prev.PagesFailed != next.PagesFailed ||
		prev.DocumentsIndexed != next.DocumentsIndexed ||
		prev.DocumentsFailed != next.DocumentsFailed ||
		prev.CancelRequested != next.CancelRequested
}
