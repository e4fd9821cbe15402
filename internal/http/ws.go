package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/olahol/melody"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/services"
)

const (
	wsKeyUserID = "user_id"

	// wsCloseSignedOut is an application close code (4000-4999).
	wsCloseSignedOut = 4001

	msgTypeState     = "state"
	msgTypeSignedOut = "signed_out"
)

type wsMessage struct {
	Type   string         `json:"type"`
	UserID string         `json:"userId,omitempty"`
	Phase  string         `json:"phase,omitempty"`
	State  *core.AppState `json:"state,omitempty"`
}

// hub pushes state snapshots to WebSocket clients of the signed-in user.
// Every snapshot goes only to connections owned by the user it was taken for.
type hub struct {
	m      *melody.Melody
	sync   *services.SyncCore
	logger *applog.Logger
	unsub  func()

	mu      sync.Mutex
	lastSeq uint64
}

func newHub(sc *services.SyncCore, logger *applog.Logger) *hub {
	m := melody.New()
	m.Config.MaxMessageSize = 1024
	// Keep-alive for proxies that drop idle connections.
	m.Config.PingPeriod = 30 * time.Second
	m.Config.PongWait = 60 * time.Second

	h := &hub{m: m, sync: sc, logger: logger.WithComponent(applog.ComponentWS)}

	m.HandleConnect(func(s *melody.Session) {
		userID, _ := s.Get(wsKeyUserID)
		h.logger.Debug("Client connected", applog.FieldUserID, userID)
		h.sendSnapshot(s)
	})
	m.HandleDisconnect(func(s *melody.Session) {
		userID, _ := s.Get(wsKeyUserID)
		h.logger.Debug("Client disconnected", applog.FieldUserID, userID)
	})
	m.HandleError(func(s *melody.Session, err error) {
		h.logger.Warn("WebSocket error", applog.FieldError, err)
	})

	h.unsub = sc.Subscribe(h.onChange)
	return h
}

// handleWS upgrades the request. Only a signed-in session may listen.
func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := h.sync.UserID()
	if userID == "" {
		UnauthorizedError("not signed in").Write(w)
		return
	}
	if err := h.m.HandleRequestWithKeys(w, r, map[string]any{wsKeyUserID: userID}); err != nil {
		h.logger.WarnContext(r.Context(), "WebSocket upgrade failed", applog.FieldError, err)
	}
}

func (h *hub) sendSnapshot(s *melody.Session) {
	owner, _ := s.Get(wsKeyUserID)

	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.sync.Current()
	if ch.UserID == "" || owner != ch.UserID {
		return
	}
	msg, err := encodeChange(ch)
	if err != nil {
		h.logger.Error("Encode snapshot", applog.FieldError, err)
		return
	}
	if err := s.Write(msg); err != nil {
		h.logger.Debug("Snapshot not delivered", applog.FieldError, err)
	}
}

// onChange runs for every state change. Changes arriving after a newer one
// are dropped. Clients of any other user are disconnected and never receive
// the change.
func (h *hub) onChange(ch services.Change) {
	if h.m.IsClosed() {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ch.Seq <= h.lastSeq {
		h.logger.Debug("Dropping out-of-order change",
			applog.FieldUserID, ch.UserID, "seq", ch.Seq, "last_seq", h.lastSeq)
		return
	}
	h.lastSeq = ch.Seq

	h.closeForeign(ch.UserID)
	if ch.UserID == "" {
		return
	}

	msg, err := encodeChange(ch)
	if err != nil {
		h.logger.Error("Encode state", applog.FieldError, err)
		return
	}
	if err := h.m.BroadcastFilter(msg, func(s *melody.Session) bool {
		owner, _ := s.Get(wsKeyUserID)
		return owner == ch.UserID
	}); err != nil {
		h.logger.Debug("Broadcast dropped", applog.FieldError, err)
	}
}

func encodeChange(ch services.Change) ([]byte, error) {
	return json.Marshal(wsMessage{
		Type:   msgTypeState,
		UserID: ch.UserID,
		Phase:  ch.Phase.String(),
		State:  &ch.State,
	})
}

// closeForeign ends every connection not owned by userID.
func (h *hub) closeForeign(userID string) {
	sessions, err := h.m.Sessions()
	if err != nil {
		return
	}
	msg, _ := json.Marshal(wsMessage{Type: msgTypeSignedOut})
	for _, s := range sessions {
		owner, _ := s.Get(wsKeyUserID)
		if owner == userID {
			continue
		}
		_ = s.Write(msg)
		_ = s.CloseWithMsg(melody.FormatCloseMessage(wsCloseSignedOut, msgTypeSignedOut))
	}
}

func (h *hub) len() int {
	return h.m.Len()
}

func (h *hub) close() {
	h.unsub()
	if err := h.m.Close(); err != nil {
		h.logger.Debug("Close sessions", applog.FieldError, err)
	}
}
