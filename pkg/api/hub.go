package api

import (
	"encoding/json"
	"log/slog"
)

// Room naming: one durable logical room per conversation and one per user,
// used for presence and cross-device targeting.
const (
	conversationRoomPrefix = "conversation-"
	userRoomPrefix         = "user-"
)

func ConversationRoom(conversationID string) string {
	return conversationRoomPrefix + conversationID
}

func UserRoom(uid string) string {
	return userRoomPrefix + uid
}

type joinRequest struct {
	client *Client
	room   string
}

type roomEvent struct {
	room    string
	payload []byte
	// exclude drops one session from the broadcast, used when the actor
	// already has the result via its direct call response.
	exclude *Client
}

// Hub maintains the set of active clients and their room memberships, and
// broadcasts events to rooms. All state is owned by the Run goroutine;
// delivery is fire-and-forget: a session whose send buffer is full is
// dropped, never retried.
type Hub struct {
	// Registered clients keyed by user id; one user may hold several
	// concurrent sessions.
	clients map[string][]*Client

	// Room membership, both directions for cheap cleanup.
	rooms       map[string]map[*Client]struct{}
	clientRooms map[*Client]map[string]struct{}

	Register   chan *Client
	unregister chan *Client
	join       chan joinRequest
	leave      chan joinRequest
	emit       chan roomEvent

	log *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[string][]*Client),
		rooms:       make(map[string]map[*Client]struct{}),
		clientRooms: make(map[*Client]map[string]struct{}),
		Register:    make(chan *Client),
		unregister:  make(chan *Client),
		join:        make(chan joinRequest),
		leave:       make(chan joinRequest),
		emit:        make(chan roomEvent),
		log:         log,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.clients[client.id] = append(h.clients[client.id], client)
			// Every session sits in its own user room from the start.
			h.addToRoom(client, UserRoom(client.id))

		case client := <-h.unregister:
			if _, ok := h.clientRooms[client]; ok {
				h.drop(client)
				close(client.done)
			}

		case req := <-h.join:
			if _, ok := h.clientRooms[req.client]; ok {
				h.addToRoom(req.client, req.room)
			}

		case req := <-h.leave:
			h.removeFromRoom(req.client, req.room)

		case event := <-h.emit:
			for client := range h.rooms[event.room] {
				if client == event.exclude {
					continue
				}
				select {
				case client.send <- event.payload:
				default:
					// Slow consumer: drop the session rather than block the hub.
					h.drop(client)
					close(client.done)
				}
			}
		}
	}
}

// Join subscribes a session to a room.
func (h *Hub) Join(client *Client, room string) {
	h.join <- joinRequest{client: client, room: room}
}

// Leave unsubscribes a session from a room.
func (h *Hub) Leave(client *Client, room string) {
	h.leave <- joinRequest{client: client, room: room}
}

// Emit marshals the event envelope and broadcasts it to every session in the
// room, optionally excluding one.
func (h *Hub) Emit(room, event string, data any, exclude *Client) {
	payload, err := json.Marshal(EventEnvelope{Event: event, Data: data})
	if err != nil {
		h.log.Error("could not marshal outgoing event", "event", event, "error", err)
		return
	}
	h.emit <- roomEvent{room: room, payload: payload, exclude: exclude}
}

func (h *Hub) addToRoom(client *Client, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][client] = struct{}{}
	if h.clientRooms[client] == nil {
		h.clientRooms[client] = make(map[string]struct{})
	}
	h.clientRooms[client][room] = struct{}{}
}

func (h *Hub) removeFromRoom(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.clientRooms[client]; ok {
		delete(rooms, room)
	}
}

// drop removes a client from every room and from the client registry.
func (h *Hub) drop(client *Client) {
	for room := range h.clientRooms[client] {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.clientRooms, client)

	sessions := h.clients[client.id]
	for i, c := range sessions {
		if c == client {
			length := len(sessions) - 1
			sessions[i] = sessions[length]
			sessions[length] = nil
			h.clients[client.id] = sessions[:length]
			break
		}
	}
	if len(h.clients[client.id]) == 0 {
		delete(h.clients, client.id)
	}
}
