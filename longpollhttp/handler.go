// Package longpollhttp exposes the session registry over plain HTTP: clients
// submit opaque JSON commands and retrieve notification batches by long
// polling. The poll endpoint blocks until events are buffered or the
// configured wait elapses; a terminated session yields 410 so the client
// knows to re-register rather than re-poll.
package longpollhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/chainview/chainview-go/internal/jwtauth"
	"github.com/chainview/chainview-go/internal/logctx"
	"github.com/chainview/chainview-go/notify"
	"github.com/chainview/chainview-go/sessions"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	defaultPollWait = 25 * time.Second
)

// writeJSONError emits a minimal JSON body for transport-level rejections.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger   *slog.Logger
	auth     jwtauth.Authenticator
	realm    string
	pollWait time.Duration
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithAuthenticator enables bearer-token authentication on both endpoints.
// Without one the handler serves unauthenticated requests.
func WithAuthenticator(a jwtauth.Authenticator) Option {
	return func(c *newConfig) { c.auth = a }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default) the realm attribute is omitted per RFC 6750.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithPollWait bounds how long a poll request blocks before returning an
// empty batch.
func WithPollWait(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.pollWait = d
		}
	}
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty. Params are emitted in a fixed logical order
// since Go map iteration is randomized.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if params != nil {
		if v, ok := params["error"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
		}
		if v, ok := params["error_description"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
		}
		if v, ok := params["scope"]; ok {
			pieces = append(pieces, fmt.Sprintf(`scope="%s"`, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Handler routes commands to the registry and serves notification batches.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	reg      *sessions.Registry
	auth     jwtauth.Authenticator
	realm    string
	pollWait time.Duration
}

// pollRequest is the body of POST /poll.
type pollRequest struct {
	SessionID string `json:"sessionId"`
	// MaxWaitMs optionally shortens the server's poll wait for this request.
	MaxWaitMs int `json:"maxWaitMs,omitempty"`
}

// pollResponse carries one ordered notification batch.
type pollResponse struct {
	Events []pollEvent `json:"events"`
}

// pollEvent is the wire form of one notification.
type pollEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func New(reg *sessions.Registry, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}

	cfg := &newConfig{logger: slog.Default(), pollWait: defaultPollWait}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:      slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		reg:      reg,
		auth:     cfg.auth,
		realm:    cfg.realm,
		pollWait: cfg.pollWait,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /command", h.handleCommand)
	mux.HandleFunc("POST /poll", h.handlePoll)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handleCommand decodes one command and routes it through the registry.
// Lifecycle commands (register/unregister/shutdown) are absorbed there;
// everything else lands on the addressed session.
func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.command.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	if !h.checkAuthentication(ctx, r, w) {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	var cmd sessions.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithCommandData(ctx, &logctx.CommandData{
		Op:       string(cmd.Op),
		EntityID: cmd.EntityID,
	})
	if cmd.SessionID != "" {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
			SessionID: cmd.SessionID,
			Channel:   "longpoll",
		})
	}

	res, err := h.reg.Submit(ctx, cmd)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, sessions.ErrUnknownSession):
			status = http.StatusNotFound
		case errors.Is(err, sessions.ErrDuplicateSession):
			status = http.StatusConflict
		case errors.Is(err, sessions.ErrUnknownEntity):
			status = http.StatusNotFound
		case errors.Is(err, sessions.ErrUnsupportedCommand):
			status = http.StatusBadRequest
		case errors.Is(err, sessions.ErrNotReady):
			status = http.StatusConflict
		case errors.Is(err, sessions.ErrRegistryClosed):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			status = http.StatusRequestTimeout
		}
		writeJSONError(w, status, err.Error())
		h.log.WarnContext(ctx, "command.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if res != nil {
		_, _ = w.Write(res)
	} else {
		_, _ = w.Write([]byte("{}"))
	}
	h.log.InfoContext(ctx, "http.command.ok", slog.Duration("dur", time.Since(start)))
}

// handlePoll blocks on the session's long-poll channel. Response codes:
// 200 with a batch (possibly empty after the wait), 404 for an unknown
// session, 409 when the session's channel is not a long-poll channel, and
// 410 once the channel has terminated.
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.poll.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	if !h.checkAuthentication(ctx, r, w) {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if req.SessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "sessionId is required")
		h.log.WarnContext(ctx, "poll.session_id.missing")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: req.SessionID,
		Channel:   "longpoll",
	})

	s, err := h.reg.Get(req.SessionID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		h.log.InfoContext(ctx, "poll.session.miss")
		return
	}
	lp, ok := s.Channel().(*notify.LongPoll)
	if !ok {
		writeJSONError(w, http.StatusConflict, "session is not long-poll")
		h.log.WarnContext(ctx, "poll.channel.mismatch")
		return
	}

	wait := h.pollWait
	if req.MaxWaitMs > 0 {
		if d := time.Duration(req.MaxWaitMs) * time.Millisecond; d < wait {
			wait = d
		}
	}

	batch, err := lp.Respond(ctx, wait)
	if err != nil {
		if errors.Is(err, notify.ErrTerminated) {
			writeJSONError(w, http.StatusGone, "session terminated")
			h.log.InfoContext(ctx, "poll.terminated")
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Client went away mid-poll; nothing to write.
			h.log.InfoContext(ctx, "poll.client.gone")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		h.log.ErrorContext(ctx, "poll.fail", slog.String("err", err.Error()))
		return
	}

	resp := pollResponse{Events: make([]pollEvent, 0, len(batch))}
	for _, ev := range batch {
		we, err := encodeEvent(ev)
		if err != nil {
			h.log.ErrorContext(ctx, "poll.encode.fail", slog.String("err", err.Error()))
			continue
		}
		resp.Events = append(resp.Events, we)
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
	h.log.InfoContext(ctx, "http.poll.ok",
		slog.Int("events", len(resp.Events)),
		slog.Duration("dur", time.Since(start)))
}

// encodeEvent maps a pipeline event to its wire form.
func encodeEvent(ev notify.Event) (pollEvent, error) {
	var (
		typ     string
		payload any
	)
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
		return pollEvent{}, fmt.Errorf("unencodable event %T", ev)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return pollEvent{}, err
	}
	return pollEvent{Type: typ, Payload: b}, nil
}

// checkAuthentication enforces bearer auth when an authenticator is
// configured. It writes the response on failure and reports whether the
// request may proceed.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) bool {
	if h.auth == nil {
		return true
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		// RFC 6750 §3.1: no authentication information means a bare challenge
		// without an error code.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return false
	}

	if _, err := h.auth.CheckAuthentication(ctx, tok); err != nil {
		if errors.Is(err, jwtauth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			w.WriteHeader(http.StatusForbidden)
			return false
		}
		h.log.InfoContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return false
	}
	return true
}
