package server

import (
	"context"
	"encoding/json"
	stdliberrors "errors"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	apperrors "github.com/odvcencio/browserd/pkg/errors"
	"github.com/odvcencio/browserd/pkg/events"
	"github.com/odvcencio/browserd/pkg/logging"
)

// clientMessage is the inbound control message on the event stream.
type clientMessage struct {
	Action         string         `json:"action"`
	EventTypes     []string       `json:"event_types,omitempty"`
	Filters        events.Filters `json:"filters,omitempty"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
}

// wsSink carries outbound payloads for one connection. Browser events
// and protocol acks share the channel so a client observes them in
// the order they were produced.
type wsSink struct {
	ch chan any
}

func newWSSink(size int) *wsSink {
	if size <= 0 {
		size = 256
	}
	return &wsSink{ch: make(chan any, size)}
}

// Deliver implements events.Sink.
func (s *wsSink) Deliver(ev events.Event) bool {
	return s.enqueue(ev)
}

func (s *wsSink) enqueue(payload any) bool {
	select {
	case s.ch <- payload:
		return true
	default:
		return false
	}
}

// handleEventStream upgrades to WebSocket and runs the subscription
// protocol until the client goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if !s.connLimiter.Acquire() {
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("event stream at capacity"))
		return
	}
	defer s.connLimiter.Release()

	originPatterns := s.cfg.AllowedOrigins
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	conn.SetReadLimit(maxWSReadBytes)

	hexID, err := randomHex(8)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "id generation failed")
		return
	}
	clientID := "client-" + hexID

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	state := s.registerClient(clientID, cancel)
	sink := newWSSink(s.cfg.EventBufferSize)
	s.bus.Register(clientID, sink)
	defer s.dropClient(clientID, state)

	metricWSClients.Inc()
	defer metricWSClients.Dec()

	s.logger.Info(logging.CategoryConnection, "connected", "event stream client connected", map[string]any{
		"client_id": clientID,
	})

	sink.enqueue(map[string]any{
		"type":      "connection",
		"client_id": clientID,
		"timestamp": time.Now().UTC(),
	})

	go s.readLoop(ctx, conn, clientID, sink, cancel)

	s.writeLoop(ctx, conn, sink)
	conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop consumes control messages. A malformed message produces an
// error payload and the loop carries on; only transport errors or
// cancellation end it.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, clientID string, sink *wsSink, cancel context.CancelFunc) {
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if !s.msgLimiter.Allow(clientID) {
			sink.enqueue(errorPayload(apperrors.ErrCodeRateLimited, "slow down: message rate limit exceeded"))
			continue
		}

		resp := s.dispatch(clientID, data)
		if resp == nil {
			continue
		}
		if !sink.enqueue(resp) {
			// Buffer full even for the ack: the client is not
			// reading, treat it like any other slow consumer.
			return
		}
	}
}

// writeLoop drains the sink onto the wire and paces heartbeats.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sink *wsSink) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-sink.ch:
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, payload)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// dispatch handles one control message and returns the payload to
// send back, or nil for nothing.
func (s *Server) dispatch(clientID string, data []byte) any {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		metricWSMessages.WithLabelValues("malformed").Inc()
		s.logger.Warn(logging.CategoryConnection, "malformed_message", "unparseable client message", map[string]any{
			"client_id": clientID,
		})
		return errorPayload(apperrors.ErrCodeMalformedMessage, "message is not valid JSON")
	}

	switch msg.Action {
	case "subscribe":
		metricWSMessages.WithLabelValues("subscribe").Inc()
		types := make([]events.Type, 0, len(msg.EventTypes))
		for _, t := range msg.EventTypes {
			types = append(types, events.Type(strings.ToUpper(strings.TrimSpace(t))))
		}
		sub, err := s.bus.Subscribe(clientID, types, msg.Filters)
		if err != nil {
			return errorFrom(err)
		}
		info := sub.Info()
		return map[string]any{
			"type":            "subscription",
			"subscription_id": info.SubscriptionID,
			"event_types":     info.EventTypes,
			"filters":         info.Filters,
			"timestamp":       time.Now().UTC(),
		}

	case "unsubscribe":
		metricWSMessages.WithLabelValues("unsubscribe").Inc()
		if msg.SubscriptionID == "" {
			return errorPayload(apperrors.ErrCodeMalformedMessage, "subscription_id is required")
		}
		if !s.bus.Unsubscribe(msg.SubscriptionID) {
			// Unknown id: already removed or never existed. Either
			// way the desired state holds, so this is a success.
			s.logger.Debug(logging.CategoryConnection, "unsubscribe_missing", "unsubscribe for unknown id", map[string]any{
				"client_id":       clientID,
				"subscription_id": msg.SubscriptionID,
			})
		}
		return map[string]any{
			"type":            "unsubscribed",
			"subscription_id": msg.SubscriptionID,
			"success":         true,
			"timestamp":       time.Now().UTC(),
		}

	case "list":
		metricWSMessages.WithLabelValues("list").Inc()
		subs := s.bus.List(clientID)
		if subs == nil {
			subs = []events.Info{}
		}
		return map[string]any{
			"type":          "subscriptions",
			"subscriptions": subs,
			"timestamp":     time.Now().UTC(),
		}

	default:
		metricWSMessages.WithLabelValues("unknown").Inc()
		return errorPayload(apperrors.ErrCodeMalformedMessage, "unknown action")
	}
}

// errorPayload builds the wire error message.
func errorPayload(code apperrors.ErrorCode, message string) map[string]any {
	return map[string]any{
		"type":      "error",
		"code":      string(code),
		"message":   message,
		"timestamp": time.Now().UTC(),
	}
}

// errorFrom converts an error into the wire error message.
func errorFrom(err error) map[string]any {
	var browserdErr *apperrors.Error
	if stdliberrors.As(err, &browserdErr) {
		msg := browserdErr.UserMessage
		if msg == "" {
			msg = browserdErr.Message
		}
		return errorPayload(browserdErr.Code, msg)
	}
	return errorPayload(apperrors.ErrCodeInternal, err.Error())
}
