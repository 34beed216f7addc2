package chat

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	eventServerHello = 1
	eventChatMessage = 9
	eventAuth        = 253
	eventHeartbeat   = 254

	heartbeatInterval = 10 * time.Second
	reconnectDelay    = 5 * time.Second
)

// Message is an inbound chat message after frame unwrapping.
type Message struct {
	Channel string `json:"channel"`
	Person  string `json:"person"`
	Content string `json:"content"`
}

// MessageHandler receives each chat message not sent by the bot itself.
type MessageHandler func(ctx context.Context, msg Message)

// Listener maintains the gateway WebSocket session: it authenticates,
// keeps the heartbeat alive and dispatches chat messages. The connection
// is re-established after errors until the context is cancelled.
type Listener struct {
	cfg     Config
	handler MessageHandler
	logger  zerolog.Logger
}

func NewListener(cfg Config, handler MessageHandler, logger zerolog.Logger) *Listener {
	return &Listener{cfg: cfg, handler: handler, logger: logger}
}

// frame is the gateway's envelope. The body is JSON encoded a second time.
type frame struct {
	Time  string `json:"time"`
	Body  string `json:"body"`
	Event int    `json:"event"`
}

func newFrame(event int, body any) (frame, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return frame{}, err
	}
	return frame{
		Time:  strconv.FormatInt(time.Now().UnixMilli(), 10),
		Body:  string(raw),
		Event: event,
	}, nil
}

// Run blocks until ctx is cancelled, reconnecting on any session error.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if err := l.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error().Err(err).Msg("gateway session ended")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *Listener) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.WSURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	l.logger.Info().Str("url", l.cfg.WSURL).Msg("gateway connected")

	if err := l.sendAuth(conn); err != nil {
		return err
	}

	// writes come from both the heartbeat goroutine and the read loop,
	// so serialize them through a channel owned by a single writer.
	outbound := make(chan frame, 4)
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go l.writeLoop(sessionCtx, conn, outbound)
	go l.heartbeatLoop(sessionCtx, outbound)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.dispatch(sessionCtx, raw, outbound)
	}
}

func (l *Listener) sendAuth(conn *websocket.Conn) error {
	auth, err := newFrame(eventAuth, map[string]any{
		"person":       l.cfg.PersonUID,
		"deviceId":     l.cfg.DeviceID,
		"signature":    l.cfg.SignatureJWT,
		"deviceName":   l.cfg.DeviceID,
		"platformName": "web",
		"reconnect":    0,
	})
	if err != nil {
		return err
	}
	return conn.WriteJSON(auth)
}

func (l *Listener) writeLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-outbound:
			if err := conn.WriteJSON(f); err != nil {
				l.logger.Error().Err(err).Msg("gateway write failed")
				return
			}
		}
	}
}

func (l *Listener) heartbeatLoop(ctx context.Context, outbound chan<- frame) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.queueHeartbeat(ctx, outbound)
		}
	}
}

func (l *Listener) queueHeartbeat(ctx context.Context, outbound chan<- frame) {
	hb, err := newFrame(eventHeartbeat, map[string]string{"person": l.cfg.PersonUID})
	if err != nil {
		return
	}
	select {
	case <-ctx.Done():
	case outbound <- hb:
	}
}

func (l *Listener) dispatch(ctx context.Context, raw []byte, outbound chan<- frame) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		l.logger.Debug().Err(err).Msg("unparseable gateway frame")
		return
	}

	switch f.Event {
	case eventHeartbeat:
		// server ping carries r=1 and expects an immediate pong
		var body struct {
			R int `json:"r"`
		}
		if err := json.Unmarshal([]byte(f.Body), &body); err == nil && body.R == 1 {
			l.queueHeartbeat(ctx, outbound)
		}
	case eventServerHello:
		l.queueHeartbeat(ctx, outbound)
	case eventChatMessage:
		msg, err := unwrapChatMessage(f.Body)
		if err != nil {
			l.logger.Debug().Err(err).Msg("unparseable chat message")
			return
		}
		if msg.Person == l.cfg.PersonUID {
			return
		}
		l.handler(ctx, msg)
	}
}

// unwrapChatMessage peels the doubly-encoded chat payload: the frame body
// is JSON whose data field is itself a JSON document.
func unwrapChatMessage(body string) (Message, error) {
	var envelope struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal([]byte(envelope.Data), &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
