package httpadapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"scriptguard/internal/domain"
	"scriptguard/internal/ports"
)

// Hub fans run events out to websocket clients subscribed to a run.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]struct{}
	logger  *slog.Logger
}

var _ ports.Notifier = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[string]map[*websocket.Conn]struct{}), logger: logger}
}

func (h *Hub) Subscribe(runID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[runID] == nil {
		h.clients[runID] = make(map[*websocket.Conn]struct{})
	}
	h.clients[runID][conn] = struct{}{}
}

func (h *Hub) Unsubscribe(runID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[runID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, runID)
		}
	}
}

func (h *Hub) subscribers(runID string) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(h.clients[runID]))
	for c := range h.clients[runID] {
		out = append(out, c)
	}
	return out
}

type eventMessage struct {
	RunID  string    `json:"run_id"`
	SiteID string    `json:"site_id"`
	Kind   string    `json:"kind"`
	Status string    `json:"status"`
	Diff   *diffView `json:"diff,omitempty"`
	At     time.Time `json:"at"`
}

type diffView struct {
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	Severity string  `json:"severity"`
	ScriptID *string `json:"script_id"`
	Summary  string  `json:"summary"`
}

func toDiffView(d *domain.DiffEvent) *diffView {
	if d == nil {
		return nil
	}
	return &diffView{ID: d.ID, Type: string(d.Type), Severity: string(d.Severity), ScriptID: d.ScriptID, Summary: d.Summary}
}

// Publish sends ev to every subscriber of its run. Clients that cannot keep
// up are dropped.
func (h *Hub) Publish(ctx context.Context, ev ports.RunEvent) {
	conns := h.subscribers(ev.RunID)
	if len(conns) == 0 {
		return
	}
	data, err := json.Marshal(eventMessage{
		RunID: ev.RunID, SiteID: ev.SiteID, Kind: ev.Kind, Status: string(ev.Status),
		Diff: toDiffView(ev.Diff), At: ev.At,
	})
	if err != nil {
		return
	}
	for _, conn := range conns {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug("ws write error", "run_id", ev.RunID, "error", err)
			h.Unsubscribe(ev.RunID, conn)
			conn.Close(websocket.StatusPolicyViolation, "write failed")
		}
	}
}
