package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Controller is the part of a call session that websocket clients may drive.
type Controller interface {
	ToggleMute(ctx context.Context, muted bool) error
	ToggleVideo(ctx context.Context, enabled bool) error
	SwitchCamera(ctx context.Context) error
	Leave(ctx context.Context) error
}

// ControllerFunc resolves the controller for the current call. It returns
// domain.ErrNotInCall when there is none.
type ControllerFunc func() (Controller, error)

type BridgeConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   64,
	}
}

// EventBridge fans call events out to websocket clients and accepts call
// commands from them. A client that cannot keep up is disconnected.
type EventBridge struct {
	cfg      BridgeConfig
	control  ControllerFunc
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// WireParticipant is the JSON form of a participant.
type WireParticipant struct {
	ID          domain.UserID `json:"id"`
	DisplayName string        `json:"display_name"`
	PhotoURL    string        `json:"photo_url,omitempty"`
	IsMuted     bool          `json:"is_muted"`
	IsVideoOff  bool          `json:"is_video_off"`
	JoinedAt    *time.Time    `json:"joined_at,omitempty"`
}

func NewWireParticipant(p domain.Participant) WireParticipant {
	w := WireParticipant{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		PhotoURL:    p.PhotoURL,
		IsMuted:     p.IsMuted,
		IsVideoOff:  p.IsVideoOff,
	}
	if !p.JoinedAt.IsZero() {
		t := p.JoinedAt
		w.JoinedAt = &t
	}
	return w
}

// WireEvent is the JSON form of a services.Event sent to clients.
type WireEvent struct {
	Type        services.EventType   `json:"type"`
	GroupID     domain.GroupID       `json:"group_id,omitempty"`
	PeerID      domain.UserID        `json:"peer_id,omitempty"`
	Participant *WireParticipant     `json:"participant,omitempty"`
	State       domain.CallState     `json:"state,omitempty"`
	PeerState   domain.PeerLinkState `json:"peer_state,omitempty"`
	StreamID    string               `json:"stream_id,omitempty"`
	TrackID     string               `json:"track_id,omitempty"`
	TrackKind   string               `json:"track_kind,omitempty"`
	Error       string               `json:"error,omitempty"`
	At          time.Time            `json:"at"`
}

func NewWireEvent(e services.Event) WireEvent {
	w := WireEvent{
		Type:      e.Type,
		GroupID:   e.GroupID,
		PeerID:    e.PeerID,
		State:     e.State,
		PeerState: e.PeerState,
		At:        e.At,
	}
	switch e.Type {
	case services.EventParticipantJoined, services.EventParticipantLeft, services.EventParticipantUpdated:
		p := NewWireParticipant(e.Participant)
		w.Participant = &p
	case services.EventLocalStream:
		if e.LocalStream != nil {
			w.StreamID = e.LocalStream.ID()
		}
	case services.EventRemoteStream:
		if e.Track != nil {
			w.StreamID = e.Track.StreamID()
			w.TrackID = e.Track.ID()
			w.TrackKind = e.Track.Kind().String()
		}
	}
	if e.Err != nil {
		w.Error = e.Err.Error()
	}
	return w
}

// Command is a client to server message.
type Command struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Muted   *bool  `json:"muted,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// Reply answers a Command with the same ID.
type Reply struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

func NewEventBridge(cfg BridgeConfig, control ControllerFunc, logger *zap.SugaredLogger) *EventBridge {
	def := DefaultBridgeConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	b := &EventBridge{
		cfg:     cfg,
		control: control,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     b.checkOrigin,
	}
	return b
}

func (b *EventBridge) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range b.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// Clients reports the number of connected clients.
func (b *EventBridge) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish encodes e and queues it for every client.
func (b *EventBridge) Publish(e services.Event) {
	payload, err := json.Marshal(NewWireEvent(e))
	if err != nil {
		b.logger.Errorw("encode event", "type", e.Type, "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		select {
		case c.send <- payload:
		default:
			b.logger.Warnw("websocket client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
			c.close()
		}
	}
}

// Close disconnects every client and refuses new ones.
func (b *EventBridge) Close() {
	b.mu.Lock()
	b.closed = true
	for c := range b.clients {
		c.close()
	}
	b.mu.Unlock()
}

func (b *EventBridge) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, b.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	b.logger.Infow("event client connected", "remote", conn.RemoteAddr().String())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	commands := make(chan Command, 8)
	go b.readLoop(c, commands)
	b.writeLoop(ctx, c, commands)

	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	conn.Close()
	b.logger.Infow("event client disconnected", "remote", conn.RemoteAddr().String())
}

func (b *EventBridge) readLoop(c *client, commands chan<- Command) {
	defer c.close()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				b.logger.Debugw("websocket read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		select {
		case commands <- cmd:
		case <-c.done:
			return
		}
	}
}

// writeLoop owns every write to the connection.
func (b *EventBridge) writeLoop(ctx context.Context, c *client, commands <-chan Command) {
	ping := time.NewTicker(b.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case payload := <-c.send:
			if err := b.write(c, websocket.TextMessage, payload); err != nil {
				return
			}

		case cmd := <-commands:
			reply := b.execute(ctx, cmd)
			payload, _ := json.Marshal(reply)
			if err := b.write(c, websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ping.C:
			if err := b.write(c, websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(b.cfg.WriteTimeout))
			return

		case <-ctx.Done():
			return
		}
	}
}

func (b *EventBridge) write(c *client, kind int, payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(kind, payload); err != nil {
		b.logger.Debugw("websocket write failed", "error", err)
		c.close()
		return err
	}
	return nil
}

func (b *EventBridge) execute(ctx context.Context, cmd Command) Reply {
	reply := Reply{Type: "ack", ID: cmd.ID}
	if err := b.dispatch(ctx, cmd); err != nil {
		reply.Type = "error"
		reply.Error = err.Error()
	}
	return reply
}

func (b *EventBridge) dispatch(ctx context.Context, cmd Command) error {
	if b.control == nil {
		return domain.ErrNotInCall
	}
	ctrl, err := b.control()
	if err != nil {
		return err
	}

	switch cmd.Type {
	case "mute":
		if cmd.Muted == nil {
			return errors.New("mute requires muted")
		}
		return ctrl.ToggleMute(ctx, *cmd.Muted)
	case "video":
		if cmd.Enabled == nil {
			return errors.New("video requires enabled")
		}
		return ctrl.ToggleVideo(ctx, *cmd.Enabled)
	case "switch_camera":
		return ctrl.SwitchCamera(ctx)
	case "leave":
		return ctrl.Leave(ctx)
	default:
		return fmt.Errorf("unknown command type: %q", cmd.Type)
	}
}
