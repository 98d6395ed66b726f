package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/listingiq/listingiq/internal/job"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendBuffer = 64
	wsMaxMessage = 4096
)

type wsClientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

type wsServerMessage struct {
	Type    string   `json:"type"`
	JobID   string   `json:"job_id,omitempty"`
	Data    *job.Job `json:"data,omitempty"`
	Message string   `json:"message,omitempty"`
}

// wsSession is one WebSocket connection. Only writeLoop writes to conn.
type wsSession struct {
	conn *websocket.Conn
	out  chan wsServerMessage
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	subs    map[string]func()
	lastRev map[string]int64
}

// AnalysisSocket handles GET /api/v1/ws/analysis. Clients send subscribe_job and
// unsubscribe_job messages and receive job_update snapshots for their own jobs.
func (h *Handler) AnalysisSocket(w http.ResponseWriter, r *http.Request) {
	user := Principal(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		slog.Warn("websocket: upgrade failed", "error", err)
		return
	}

	s := &wsSession{
		conn:    conn,
		out:     make(chan wsServerMessage, wsSendBuffer),
		done:    make(chan struct{}),
		subs:    make(map[string]func()),
		lastRev: make(map[string]int64),
	}
	go s.writeLoop()
	defer s.close()

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket: read failed", "user", user, "error", err)
			}
			return
		}
		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.send(wsServerMessage{Type: "error", Message: "invalid message"})
			continue
		}
		switch msg.Type {
		case "subscribe_job":
			h.wsSubscribe(s, user, msg.JobID)
		case "unsubscribe_job":
			s.unsubscribe(msg.JobID)
		case "ping":
			s.send(wsServerMessage{Type: "pong"})
		default:
			s.send(wsServerMessage{Type: "error", Message: "unknown message type"})
		}
	}
}

func (h *Handler) wsSubscribe(s *wsSession, user, jobID string) {
	if jobID == "" {
		s.send(wsServerMessage{Type: "error", Message: "job_id is required"})
		return
	}
	// Unknown and foreign jobs get the same answer.
	if _, err := h.queue.Status(jobID, user); err != nil {
		s.send(wsServerMessage{Type: "error", JobID: jobID, Message: "job not found or access denied"})
		return
	}

	s.mu.Lock()
	_, dup := s.subs[jobID]
	s.mu.Unlock()
	if dup {
		return
	}

	unregister := h.queue.RegisterObserver(jobID, func(_ context.Context, j *job.Job) error {
		s.push(j)
		return nil
	})
	s.mu.Lock()
	s.subs[jobID] = unregister
	s.mu.Unlock()

	// Send the current state after registering so nothing in between is lost.
	if j, err := h.queue.Status(jobID, user); err == nil {
		s.push(j)
	}
}

// push queues a job_update unless the client already has a newer snapshot.
func (s *wsSession) push(j *job.Job) {
	s.mu.Lock()
	if j.Revision <= s.lastRev[j.ID] {
		s.mu.Unlock()
		return
	}
	s.lastRev[j.ID] = j.Revision
	s.mu.Unlock()
	s.send(wsServerMessage{Type: "job_update", JobID: j.ID, Data: j})
}

// send never blocks: when the buffer is full the oldest queued message is dropped.
func (s *wsSession) send(msg wsServerMessage) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- msg:
		return
	default:
	}
	select {
	case <-s.out:
	default:
	}
	select {
	case s.out <- msg:
	default:
	}
}

func (s *wsSession) unsubscribe(jobID string) {
	s.mu.Lock()
	unregister, ok := s.subs[jobID]
	delete(s.subs, jobID)
	s.mu.Unlock()
	if ok {
		unregister()
	}
}

func (s *wsSession) close() {
	s.once.Do(func() {
		s.mu.Lock()
		for id, unregister := range s.subs {
			unregister()
			delete(s.subs, id)
		}
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		}
	}
}
