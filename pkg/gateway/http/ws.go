package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const logPollInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	// The API is consumed from local dashboards; origin checks are the
	// reverse proxy's concern.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleTaskLogs streams a task's log lines over a websocket, one text
// message per line, and closes once the task reaches a terminal state
// and the log is drained.
func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/task/logs/")
	if _, ok := s.tasks.Get(id); !ok {
		writeError(w, http.StatusNotFound, ErrUnknownTask)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "task", id, "err", err)
		return
	}
	defer conn.Close()

	// Reads are discarded; an error means the client went away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	offset := 0
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
		}
		lines, done := s.tasks.LogsSince(id, offset)
		for _, line := range lines {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		}
		offset += len(lines)
		if done && len(lines) == 0 {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
			return
		}
	}
}
