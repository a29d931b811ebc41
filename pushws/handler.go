// Package pushws is the persistent push transport: one websocket connection
// per session. Notifications stream to the client as they occur; commands
// arrive on the same connection and are answered in place. Closing the
// connection unregisters the session.
package pushws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chainview/chainview-go/internal/jwtauth"
	"github.com/chainview/chainview-go/internal/logctx"
	"github.com/chainview/chainview-go/notify"
	"github.com/chainview/chainview-go/sessions"
)

var _ http.Handler = (*Handler)(nil)

const (
	// sendBuffer bounds the per-connection outbound queue. A client that
	// falls this far behind is disconnected rather than allowed to stall the
	// delivery pipeline.
	sendBuffer = 64

	writeWait = 10 * time.Second
)

// frame is the envelope for every message in either direction.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// commandFrame is a client request: an ID for correlation plus the command.
type commandFrame struct {
	ID      string           `json:"id,omitempty"`
	Command sessions.Command `json:"command"`
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger      *slog.Logger
	auth        jwtauth.Authenticator
	checkOrigin func(*http.Request) bool
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithAuthenticator enables bearer-token authentication on the upgrade
// request. Tokens are read from the Authorization header or, since browser
// websocket clients cannot set headers, the access_token query parameter.
func WithAuthenticator(a jwtauth.Authenticator) Option {
	return func(c *newConfig) { c.auth = a }
}

// WithCheckOrigin overrides the upgrader's origin policy.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *newConfig) { c.checkOrigin = fn }
}

// Handler upgrades connections and binds each one to a push session.
type Handler struct {
	log      *slog.Logger
	reg      *sessions.Registry
	auth     jwtauth.Authenticator
	upgrader websocket.Upgrader
}

func New(reg *sessions.Registry, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	h := &Handler{
		log:  slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		reg:  reg,
		auth: cfg.auth,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: cfg.checkOrigin}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	if !h.authorize(ctx, r) {
		h.log.InfoContext(ctx, "auth.fail")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	c := &conn{
		ws:   wsConn,
		send: make(chan []byte, sendBuffer),
	}
	go c.writePump()

	s, err := h.reg.Register(ctx, "", sessions.WithChannel(func(s *sessions.Session) notify.Channel {
		return notify.NewPush(s.ID(), c.sendEvent)
	}))
	if err != nil {
		h.log.ErrorContext(ctx, "session.register.fail", slog.String("err", err.Error()))
		c.close()
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: s.ID(),
		Channel:   "push",
	})

	// A push client has no deferred-binding window: there is nothing to poll
	// for until activation finishes, so activate before reading commands.
	if err := s.Activate(ctx); err != nil {
		h.log.ErrorContext(ctx, "session.activate.fail", slog.String("err", err.Error()))
		_ = h.reg.Unregister(s.ID())
		c.close()
		return
	}

	c.enqueue(marshalFrame(frame{
		Type:    "session",
		Payload: mustJSON(map[string]any{"sessionId": s.ID()}),
	}))
	h.log.InfoContext(ctx, "ws.session.open")

	h.readLoop(ctx, c, s)

	if err := h.reg.Unregister(s.ID()); err != nil && !errors.Is(err, sessions.ErrUnknownSession) {
		h.log.WarnContext(ctx, "session.unregister.fail", slog.String("err", err.Error()))
	}
	c.close()
	h.log.InfoContext(ctx, "ws.session.close")
}

// readLoop decodes command frames and answers them in place. It returns when
// the connection drops or the client sends something unparseable.
func (h *Handler) readLoop(ctx context.Context, c *conn, s *sessions.Session) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var cf commandFrame
		if err := json.Unmarshal(data, &cf); err != nil {
			c.enqueue(marshalFrame(frame{
				Type:    "error",
				Payload: mustJSON(map[string]any{"message": "invalid command frame"}),
			}))
			continue
		}

		cmdCtx := logctx.WithCommandData(ctx, &logctx.CommandData{
			Op:       string(cf.Command.Op),
			EntityID: cf.Command.EntityID,
		})

		// The connection already owns a session; commands are implicitly
		// addressed to it.
		if cf.Command.SessionID == "" {
			cf.Command.SessionID = s.ID()
		}

		res, err := h.reg.Submit(cmdCtx, cf.Command)
		if err != nil {
			h.log.WarnContext(cmdCtx, "command.fail", slog.String("err", err.Error()))
			c.enqueue(marshalFrame(frame{
				Type:    "error",
				ID:      cf.ID,
				Payload: mustJSON(map[string]any{"message": err.Error()}),
			}))
			continue
		}
		if res == nil {
			res = sessions.Result(`{}`)
		}
		c.enqueue(marshalFrame(frame{Type: "result", ID: cf.ID, Payload: json.RawMessage(res)}))
		h.log.InfoContext(cmdCtx, "command.ok")
	}
}

func (h *Handler) authorize(ctx context.Context, r *http.Request) bool {
	if h.auth == nil {
		return true
	}
	tok := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		tok = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if tok == "" {
		tok = r.URL.Query().Get("access_token")
	}
	if tok == "" {
		return false
	}
	if _, err := h.auth.CheckAuthentication(ctx, tok); err != nil {
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		return false
	}
	return true
}

// conn wraps one websocket connection with a buffered outbound queue so
// deliveries never block the session worker.
type conn struct {
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// enqueue queues one outbound message. A full buffer means the client cannot
// keep up; the connection is killed and the reader loop unwinds the session.
func (c *conn) enqueue(msg []byte) {
	if msg == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
		_ = c.ws.Close()
	}
}

// sendEvent is the notify.SendFunc bound to the session's push channel.
func (c *conn) sendEvent(ev notify.Event) error {
	f, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	c.enqueue(marshalFrame(f))
	return nil
}

func encodeEvent(ev notify.Event) (frame, error) {
	var payload any
	var typ string
	switch ev := ev.(type) {
	case notify.RefreshEvent:
		typ = "refresh"
		payload = map[string]any{"reason": string(ev.Reason), "entityId": ev.EntityID}
	case notify.NewBlockEvent:
		typ = "newBlock"
		payload = map[string]any{"height": ev.Height, "hash": ev.Hash}
	case notify.ZeroConfEvent:
		typ = "zeroConf"
		payload = map[string]any{
			"txHash":      ev.Packet.TxHash,
			"rawTx":       ev.Packet.RawTx,
			"scriptAddrs": ev.Packet.ScriptAddrs,
		}
	case notify.ErrorEvent:
		typ = "error"
		payload = map[string]any{"message": ev.Message, "txRef": ev.TxRef}
	default:
		return frame{}, errors.New("unencodable event")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return frame{}, err
	}
	return frame{Type: typ, Payload: b}, nil
}

func marshalFrame(f frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		return nil
	}
	return b
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
