package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// Client-to-server events.
const (
	EventJoinConversation      = "join-conversation"
	EventLeaveConversation     = "leave-conversation"
	EventTypingStart           = "typing-start"
	EventTypingStop            = "typing-stop"
	EventSendMessage           = "send-message"
	EventEditMessage           = "edit-message"
	EventDeleteMessageEveryone = "delete-message-everyone"
	EventDeleteMessageMe       = "delete-message-me"
	EventAddReaction           = "add-reaction"
	EventRemoveReaction        = "remove-reaction"
	EventUpdateStatus          = "update-status"
)

// Server-to-client events.
const (
	EventAck                  = "ack"
	EventWelcome              = "welcome"
	EventNewMessage           = "new-message"
	EventMessageEdited        = "message-edited"
	EventMessageDeletedForAll = "message-deleted-everyone"
	EventReactionAdded        = "reaction-added"
	EventReactionRemoved      = "reaction-removed"
	EventUserStatusChanged    = "user-status-changed"
	EventMessageDelivered     = "mark-message-delivered"
)

// EventEnvelope is the wire format of the bidirectional event channel.
type EventEnvelope struct {
	Event string `json:"event"`
	AckID string `json:"ackId,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type incomingEvent struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AckPayload is sent back when the client attached an ackId to its event.
type AckPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Client is a single authenticated websocket session: the middleman between
// the connection and the Hub.
type Client struct {
	hub *Hub

	conn *websocket.Conn

	// Buffered channel of outbound frames. Never closed; the hub signals a
	// drop through done instead, so goroutines queueing frames cannot race a
	// close.
	send chan []byte

	// Closed by the hub when it drops the session.
	done chan struct{}

	// UID of the authenticated user.
	id string

	identity Identity

	gateway *Gateway

	log *slog.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, send chan []byte, identity Identity, gateway *Gateway, log *slog.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     send,
		done:     make(chan struct{}),
		id:       identity.UID,
		identity: identity,
		gateway:  gateway,
		log:      log,
	}
}

// UID returns the authenticated user id of this session.
func (c *Client) UID() string {
	return c.id
}

// ReadPump pumps events from the ws connection through the gateway.
//
// The application runs ReadPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.gateway.HandleDisconnect(context.Background(), c)
		c.hub.unregister <- c
		if err := c.conn.Close(); err != nil {
			c.log.Debug("closing connection", "error", err)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Error("unable to set read deadline", "error", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.gateway.HandleConnect(context.Background(), c)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", "user", c.id, "error", err)
			}
			return
		}

		var event incomingEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			c.log.Warn("could not decode incoming event", "user", c.id, "error", err)
			continue
		}
		c.dispatch(context.Background(), event)
	}
}

// dispatch routes one client event through the gateway and acknowledges it
// when the client asked for an ack. Errors never tear down the connection.
func (c *Client) dispatch(ctx context.Context, event incomingEvent) {
	result, err := c.gateway.HandleEvent(ctx, c, event.Event, event.Data)
	if event.AckID == "" {
		return
	}
	ack := AckPayload{Success: true}
	if err != nil {
		ack = AckPayload{Success: false, Error: ErrorMessage(err)}
	} else if msg, ok := result.(string); ok {
		ack.Message = msg
	}
	payload, err := json.Marshal(EventEnvelope{Event: EventAck, AckID: event.AckID, Data: ack})
	if err != nil {
		c.log.Error("could not marshal ack", "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- payload:
	default:
	}
}

// Notify queues an event frame directly to this session, bypassing rooms.
func (c *Client) Notify(event string, data any) {
	payload, err := json.Marshal(EventEnvelope{Event: event, Data: data})
	if err != nil {
		c.log.Error("could not marshal event", "event", event, "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- payload:
	default:
	}
}

// WritePump pumps frames from the Hub to the ws connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.done:
			// The hub dropped this session.
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
