package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/teleconsult/internal/core"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	var ping <-chan time.Time
	if ctl.settings.PingPeriod > 0 {
		ticker := time.NewTicker(ctl.settings.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.conn.Close()

	for {
		select {
		case <-ctx.Done():
			ctl.writeClose(c, websocket.CloseNormalClosure, "")
			return
		case data, ok := <-c.send:
			if !ok {
				ctl.writeClose(c, websocket.CloseNormalClosure, "")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.writeWait())); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Msg("writePump write error")
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.writeWait())); err != nil {
				log.Warn().Err(err).Str("module", "adapters.signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) writeClose(c *WsSignalConn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ctl.writeWait()))
}

func (ctl *SignalWSController) readPump(ctx context.Context, sess core.MemberSession, c *WsSignalConn) {
	conn := string(sess.ID())
	defer log.Info().Str("module", "adapters.signal").Str("conn", conn).Msg("readPump closing")

	if ctl.settings.PongWait > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.settings.PongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(ctl.settings.PongWait))
		})
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "adapters.signal").Str("conn", conn).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if ctl.settings.PongWait > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(ctl.settings.PongWait))
		}
		ctl.handleSignal(ctx, sess, data)
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sess core.MemberSession, data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		log.Warn().Str("module", "adapters.signal").Str("conn", string(sess.ID())).Msg("bad envelope")
		ctl.sendError(sess, errMalformed, "")
		return
	}

	if kind, ok := core.ParseSignalKind(trimWebRTC(env.Event)); ok {
		ctl.handleNegotiation(ctx, sess, kind, env.Data)
		return
	}

	switch env.Event {
	case EventPing:
		ctl.handlePing(sess)
	case EventCallRequestIn:
		ctl.handleRequest(ctx, sess, env.Data)
	case EventCallAcceptIn:
		ctl.handleAccept(ctx, sess, env.Data)
	case EventCallEndIn:
		ctl.handleEnd(ctx, sess, env.Data)
	case EventCallCancelIn:
		ctl.handleCancel(ctx, sess, env.Data)
	case EventCallHistoryIn:
		ctl.handleHistory(ctx, sess)
	case EventPresenceUpdate:
		ctl.handleStatus(ctx, sess, env.Data)
	case EventAuth:
		// Already authenticated; a repeated auth is ignored.
	default:
		log.Warn().Str("module", "adapters.signal").Str("event", env.Event).Str("conn", string(sess.ID())).Msg("unknown signal")
		ctl.sendError(sess, errUnknownEvent(env.Event), "")
	}
}

func trimWebRTC(event string) string {
	const prefix = "webrtc:"
	if len(event) > len(prefix) && event[:len(prefix)] == prefix {
		return event[len(prefix):]
	}
	return ""
}
