package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/teleconsult/internal/adapters/auth"
	"github.com/dkeye/teleconsult/internal/app"
	"github.com/dkeye/teleconsult/internal/app/orch"
	"github.com/dkeye/teleconsult/internal/config"
	"github.com/dkeye/teleconsult/internal/core"
	"github.com/dkeye/teleconsult/internal/domain"
)

const (
	EventAuth              = "auth"
	EventAuthenticated     = "authenticated"
	EventAuthenticationErr = "authentication:error"

	// CloseAuthentication is the close code of a rejected handshake.
	CloseAuthentication = 4401
)

type Settings struct {
	ReadLimit   int64
	PingPeriod  time.Duration
	PongWait    time.Duration
	WriteWait   time.Duration
	SendBuffer  int
	AuthTimeout time.Duration
}

func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		ReadLimit:   cfg.ReadLimit,
		PingPeriod:  cfg.PingPeriod,
		PongWait:    cfg.PongWait,
		WriteWait:   cfg.WriteWait,
		SendBuffer:  cfg.SendBuffer,
		AuthTimeout: cfg.AuthTimeout,
	}
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Registry *app.Registry
	Router   *app.EventRouter
	Verifier *auth.Verifier
	Limiter  *RequestLimiter

	settings Settings
	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, reg *app.Registry, router *app.EventRouter, v *auth.Verifier, s Settings) *SignalWSController {
	return &SignalWSController{
		Orch:     o,
		Registry: reg,
		Router:   router,
		Verifier: v,
		Limiter:  NewRequestLimiter(5, 10*time.Second),
		settings: s,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close stops the outbound queue. The write pump sends the close frame and
// releases the socket.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// HandleSignal upgrades the request and serves the connection until it
// closes. ctx is the server's lifetime, not the request's.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("ws upgrade")
		return
	}
	if ctl.settings.ReadLimit > 0 {
		ws.SetReadLimit(ctl.settings.ReadLimit)
	}

	identity, err := ctl.authenticate(ws, auth.TokenFromRequest(c.Request))
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Str("remote", c.ClientIP()).Msg("handshake rejected")
		ctl.reject(ws, err)
		return
	}

	conn := newWsSignalConn(ws, ctl.settings.SendBuffer)
	sess := core.NewMemberSession(core.ConnID(uuid.NewString()), identity, conn)
	connCtx, cancel := context.WithCancel(ctx)
	if _, err := ctl.Registry.Register(sess, cancel); err != nil {
		cancel()
		log.Error().Err(err).Str("module", "adapters.signal").Str("user", string(identity.ID)).Msg("register")
		_ = ws.Close()
		return
	}
	log.Info().Str("module", "adapters.signal").Str("conn", string(sess.ID())).Str("user", string(identity.ID)).Str("role", string(identity.Role)).Msg("new WS connection")

	ctl.Router.SendTo(sess.ID(), EventAuthenticated, identity)

	go ctl.writePump(connCtx, conn)
	ctl.readPump(connCtx, sess, conn)

	cancel()
	conn.Close()
	ctl.Registry.Unregister(sess.ID())
	if ctl.Registry.Count(identity.ID) == 0 {
		go ctl.Orch.OnDisconnect(ctx, identity)
	}
}

// authenticate resolves the credential before anything else is read. A
// connection without a header or query token must send an auth event first.
func (ctl *SignalWSController) authenticate(ws *websocket.Conn, token string) (domain.Identity, error) {
	if token == "" {
		if ctl.settings.AuthTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(ctl.settings.AuthTimeout))
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			return domain.Identity{}, fmt.Errorf("waiting for auth: %v: %w", err, domain.ErrAuthentication)
		}
		_ = ws.SetReadDeadline(time.Time{})

		var env core.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event != EventAuth {
			return domain.Identity{}, fmt.Errorf("first message must be %s: %w", EventAuth, domain.ErrAuthentication)
		}
		var p struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return domain.Identity{}, fmt.Errorf("auth payload: %w", domain.ErrAuthentication)
		}
		token = p.Token
	}
	return ctl.Verifier.Verify(token)
}

func (ctl *SignalWSController) reject(ws *websocket.Conn, err error) {
	defer ws.Close()
	deadline := time.Now().Add(ctl.writeWait())
	frame, encErr := core.EncodeEvent(EventAuthenticationErr, orch.CallError{
		Code:    domain.CodeAuthentication,
		Message: domain.PublicMessage(err),
	})
	if encErr == nil {
		_ = ws.SetWriteDeadline(deadline)
		_ = ws.WriteMessage(websocket.TextMessage, frame)
	}
	msg := websocket.FormatCloseMessage(CloseAuthentication, domain.CodeAuthentication)
	_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
}

func (ctl *SignalWSController) writeWait() time.Duration {
	if ctl.settings.WriteWait > 0 {
		return ctl.settings.WriteWait
	}
	return 5 * time.Second
}
