package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamEvent is one websocket frame of a log tail
type StreamEvent struct {
	Type   string   `json:"type"` // "log" or "done"
	Line   *LogLine `json:"line,omitempty"`
	Status string   `json:"status,omitempty"`
}

const writeWait = 10 * time.Second

// logStreamHandler tails a job's log lines over a websocket until the job
// reaches a terminal status or the client goes away
func (s *Server) logStreamHandler(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.Atoi(r.URL.Query().Get("after"))
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// control frames are only processed while reading
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	ticker := time.NewTicker(s.opts.LogPoll)
	defer ticker.Stop()

	for {
		next, done, err := s.pushLogs(ctx, conn, job.ID, after)
		if err != nil {
			s.logger.Debug("log stream ended", zap.String("job", job.ID), zap.Error(err))
			return
		}
		after = next
		if done {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job done"),
				time.Now().Add(writeWait))
			select {
			case <-gone:
			case <-time.After(writeWait):
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}

// pushLogs writes the lines after the given id and reports whether the
// job has finished and every line was sent
func (s *Server) pushLogs(ctx context.Context, conn *websocket.Conn, jobID string, after int) (int, bool, error) {
	// status first, so lines written just before the job finished are not lost
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return after, false, err
	}
	entries, err := s.jobs.Logs(ctx, jobID, after)
	if err != nil {
		return after, false, err
	}
	for _, e := range entries {
		line := logToLine(e)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(StreamEvent{Type: "log", Line: &line}); err != nil {
			return after, false, err
		}
		after = e.ID
	}
	if job.Status.Active() {
		return after, false, nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(StreamEvent{Type: "done", Status: string(job.Status)}); err != nil {
		return after, false, err
	}
	return after, true, nil
}
