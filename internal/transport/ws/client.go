package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/courtside/internal/domain"
	"github.com/vedran77/courtside/internal/service"
	"github.com/vedran77/courtside/internal/session"
	"github.com/vedran77/courtside/pkg/logger"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 16384
	sendBufSize    = 256

	// inbound events per second, with burst
	inboundRate  = 10
	inboundBurst = 20
)

// Sender is the send operation reachable over the socket.
type Sender interface {
	Send(ctx context.Context, callerID, senderID, receiverID uuid.UUID, content string) (*domain.Message, error)
}

// Client represents a single WebSocket connection. It is the session's sink:
// state changes are encoded and queued for WritePump.
type Client struct {
	conn    *websocket.Conn
	userID  uuid.UUID
	sender  Sender
	session *session.Session
	limiter *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, userID uuid.UUID, sender Sender) *Client {
	return &Client{
		conn:    conn,
		userID:  userID,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		send:    make(chan []byte, sendBufSize),
		done:    make(chan struct{}),
	}
}

// Attach binds the session driven by this connection.
func (c *Client) Attach(s *session.Session) {
	c.session = s
}

// Done is closed once the client has been shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ReadPump reads client events until the connection drops or ctx ends.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.shutdown()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()
	c.conn.SetReadLimit(maxMessageSize)

	for {
		var event Event
		err := wsjson.Read(ctx, c.conn, &event)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				logger.Debug().Stringer("user_id", c.userID).Msg("ws: client disconnected")
			} else {
				logger.Warn().Err(err).Stringer("user_id", c.userID).Msg("ws: read error")
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError("RATE_LIMITED", "too many events")
			continue
		}
		c.handleEvent(ctx, &event)
	}
}

// WritePump writes queued events and keeps the connection alive with pings.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case message := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(wctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				logger.Debug().Err(err).Stringer("user_id", c.userID).Msg("ws: write error")
				c.shutdown()
				return
			}

		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				logger.Debug().Err(err).Stringer("user_id", c.userID).Msg("ws: ping error")
				c.shutdown()
				return
			}

		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleEvent routes an incoming client event.
func (c *Client) handleEvent(ctx context.Context, event *Event) {
	switch event.Type {
	case EventTypeConversationOpen:
		var p ConversationOpenPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			c.sendError("INVALID_PAYLOAD", "invalid conversation.open payload")
			return
		}
		if err := c.session.Open(ctx, p.CounterpartID); err != nil {
			if errors.Is(err, session.ErrInvalidCounterpart) {
				c.sendError("INVALID_PAYLOAD", "invalid counterpart")
				return
			}
			logger.Warn().Err(err).Stringer("user_id", c.userID).Msg("ws: opening conversation failed")
			c.sendError("INTERNAL", "could not open conversation")
		}

	case EventTypeConversationClose:
		c.session.CloseView()

	case EventTypeConversationsSync:
		if err := c.session.Resync(ctx); err != nil {
			logger.Warn().Err(err).Stringer("user_id", c.userID).Msg("ws: resync failed")
			c.sendError("INTERNAL", "could not refresh")
		}

	case EventTypeMessageSend:
		c.handleSend(ctx, event)

	case EventTypePing:
		c.emit(EventTypePong, nil, nil)

	default:
		c.sendError("UNKNOWN_EVENT", "unknown event type: "+event.Type)
	}
}

func (c *Client) handleSend(ctx context.Context, event *Event) {
	var p MessageSendPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		c.sendError("INVALID_PAYLOAD", "invalid message.send payload")
		return
	}

	msg, err := c.sender.Send(ctx, c.userID, c.userID, p.ReceiverID, p.Content)
	if err != nil {
		var verr *service.ValidationError
		switch {
		case errors.As(err, &verr):
			c.sendError("VALIDATION_ERROR", verr.Fields.Error())
		case errors.Is(err, service.ErrRateLimited):
			c.sendError("RATE_LIMITED", "You are sending messages too fast")
		default:
			logger.Error().Err(err).Stringer("user_id", c.userID).Msg("ws: send failed")
			c.sendError("INTERNAL", "message not sent")
		}
		return
	}

	c.emit(EventTypeMessageSent, &p.ReceiverID, MessageSentPayload{Nonce: p.Nonce, Message: msg})
}

// --- session.Sink ---

func (c *Client) MessagesSnapshot(counterpartID uuid.UUID, msgs []domain.Message) {
	out := make([]MessagePayload, len(msgs))
	for i, m := range msgs {
		out[i] = c.messagePayload(m)
	}
	c.emit(EventTypeMessagesSnapshot, &counterpartID, MessagesSnapshotPayload{Messages: out})
}

func (c *Client) MessageInserted(counterpartID uuid.UUID, msg domain.Message) {
	c.emit(EventTypeMessageInserted, &counterpartID, c.messagePayload(msg))
}

func (c *Client) MessageUpdated(counterpartID, messageID uuid.UUID, isRead bool) {
	receipt := "sent"
	if isRead {
		receipt = "read"
	}
	c.emit(EventTypeMessageUpdated, &counterpartID, MessageUpdatedPayload{ID: messageID, IsRead: isRead, ReadReceipt: receipt})
}

func (c *Client) Conversations(convs []domain.Conversation) {
	c.emit(EventTypeConversations, nil, ConversationsPayload{Conversations: convs})
}

func (c *Client) Unread(n int) {
	c.emit(EventTypeUnread, nil, UnreadPayload{Count: n})
}

func (c *Client) messagePayload(m domain.Message) MessagePayload {
	p := MessagePayload{Message: m}
	if m.SenderID == c.userID {
		p.ReadReceipt = m.ReadReceipt()
	}
	return p
}

func (c *Client) sendError(code, message string) {
	c.emit(EventTypeError, nil, ErrorPayload{Code: code, Message: message})
}

// emit queues an event without blocking. A client that cannot keep up is
// disconnected; it resyncs when it reconnects.
func (c *Client) emit(eventType string, counterpartID *uuid.UUID, payload any) {
	var evt *Event
	if payload == nil {
		evt = &Event{Type: eventType, Timestamp: time.Now().Unix()}
	} else {
		var err error
		evt, err = NewEvent(eventType, counterpartID, payload)
		if err != nil {
			logger.Error().Err(err).Str("type", eventType).Msg("ws: encoding event failed")
			return
		}
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}

	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- data:
	default:
		logger.Warn().Stringer("user_id", c.userID).Msg("ws: send buffer full, disconnecting")
		c.shutdown()
		c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
	}
}
