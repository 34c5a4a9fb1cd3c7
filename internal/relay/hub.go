// Package relay implements the websocket relay the sync client connects to:
// one registered connection per user, presence snapshots on join/leave,
// message persistence and echo, typing passthrough and delivered/read fan-out.
package relay

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/costumery/messaging/internal/push"
	"github.com/costumery/messaging/wire"
)

type Hub struct {
	clients    map[string]*Client
	broadcast  chan *delivery
	register   chan *Client
	unregister chan *Client
	db         *sql.DB
	notifier   *push.Notifier
	log        zerolog.Logger
	mu         sync.RWMutex
}

type Client struct {
	userID      string
	displayName string
	conn        *websocket.Conn
	hub         *Hub
	send        chan *wire.Event
}

// delivery addresses one event to a set of user ids.
type delivery struct {
	userIDs []string
	event   *wire.Event
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

func NewHub(db *sql.DB, notifier *push.Notifier, log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan *delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		db:         db,
		notifier:   notifier,
		log:        log,
	}
}

// IsUserOnline checks if a user is currently connected
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.userID] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Str("user_id", client.userID).Int("total", total).Msg("user connected")

			h.sendWelcome(client)
			h.broadcastPresence()

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.userID]; ok && current == client {
				delete(h.clients, client.userID)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Str("user_id", client.userID).Int("total", total).Msg("user disconnected")

			h.broadcastPresence()

		case d := <-h.broadcast:
			h.deliver(d)
		}
	}
}

func (h *Hub) deliver(d *delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, userID := range d.userIDs {
		client, ok := h.clients[userID]
		if !ok {
			continue
		}
		select {
		case client.send <- d.event:
		default:
			h.log.Warn().Str("user_id", userID).Msg("send channel full, dropping event")
		}
	}
}

// sendWelcome and broadcastPresence run on the Run goroutine, which is also
// the sole reader of h.broadcast. They deliver directly instead of enqueueing,
// so a saturated broadcast buffer can never make Run block on itself.
func (h *Hub) sendWelcome(client *Client) {
	event, err := wire.NewEvent(wire.EventWelcome, &wire.Welcome{
		UserID:      client.userID,
		DisplayName: client.displayName,
	})
	if err != nil {
		return
	}
	h.deliver(&delivery{userIDs: []string{client.userID}, event: event})
}

// broadcastPresence pushes the full online snapshot to every connected client.
// The client replaces its presence set wholesale with each push.
func (h *Hub) broadcastPresence() {
	h.mu.RLock()
	users := make([]string, 0, len(h.clients))
	for userID := range h.clients {
		users = append(users, userID)
	}
	h.mu.RUnlock()

	event, err := wire.NewEvent(wire.EventOnlineUsers, &wire.OnlineUsers{
		Users: users,
		Count: len(users),
	})
	if err != nil {
		return
	}
	h.deliver(&delivery{userIDs: users, event: event})
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	displayName := c.Query("username")
	if displayName == "" {
		displayName = c.GetString("username")
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		userID:      userID,
		displayName: displayName,
		conn:        conn,
		hub:         h,
		send:        make(chan *wire.Event, 256),
	}

	h.register <- client

	go client.readPump()
	go client.writePump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Str("user_id", c.userID).Msg("websocket read error")
			}
			break
		}

		var event wire.Event
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		switch event.Type {
		case wire.EventSendMessage:
			c.handleSendMessage(&event)
		case wire.EventUserTyping:
			c.handleTyping(&event)
		case wire.EventMarkDelivered:
			c.handleMarkStatus(&event, "delivered")
		case wire.EventMarkRead:
			c.handleMarkStatus(&event, "read")
		case wire.EventPing:
			c.handlePing()
		}
	}
}

func (c *Client) handleSendMessage(event *wire.Event) {
	var msg wire.Message
	if err := event.Decode(&msg); err != nil {
		return
	}

	// The session, not the payload, decides who the sender is.
	msg.SenderID = c.userID
	if msg.SenderName == "" {
		msg.SenderName = c.displayName
	}
	if msg.Kind == "" {
		msg.Kind = wire.KindText
	}
	if err := msg.ValidateSend(); err != nil {
		return
	}

	var participantA, participantB string
	var costumeID, costumeName sql.NullString
	err := c.hub.db.QueryRow(`
		SELECT participant_a, participant_b, costume_id, costume_name
		FROM conversations WHERE id = ?
	`, msg.ConversationID).Scan(&participantA, &participantB, &costumeID, &costumeName)
	if err != nil {
		c.hub.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("unknown conversation")
		return
	}
	if c.userID != participantA && c.userID != participantB {
		return
	}
	if msg.ReceiverID != participantA && msg.ReceiverID != participantB {
		return
	}

	msg.ID = uuid.NewString()
	msg.Timestamp = time.Now().UTC()
	if costumeID.Valid && costumeID.String != "" {
		msg.Costume = &wire.CostumeRef{ID: costumeID.String, Name: costumeName.String}
	}

	_, err = c.hub.db.Exec(`
		INSERT INTO messages (id, client_message_id, conversation_id, sender_id, receiver_id, body, kind, image_url, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'sent', ?)
	`, msg.ID, msg.ClientMessageID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Body, msg.Kind, msg.ImageURL, msg.Timestamp)
	if err != nil {
		c.hub.log.Error().Err(err).Msg("failed to save message")
		return
	}

	confirmed, err := wire.NewEvent(wire.EventNewMessage, &msg)
	if err != nil {
		return
	}

	// Echo to the receiver and to the sender, so the sender gets the
	// canonical id reconciled against its client_message_id.
	c.hub.broadcast <- &delivery{userIDs: []string{msg.ReceiverID, msg.SenderID}, event: confirmed}

	if c.hub.IsUserOnline(msg.ReceiverID) {
		c.hub.db.Exec(
			"UPDATE messages SET status = 'delivered', delivered_at = CURRENT_TIMESTAMP WHERE id = ?",
			msg.ID,
		)
		if status, err := wire.NewEvent(wire.EventMessageDelivered, &wire.StatusUpdate{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			UserID:         msg.ReceiverID,
		}); err == nil {
			c.hub.broadcast <- &delivery{userIDs: []string{msg.SenderID}, event: status}
		}
	} else {
		c.hub.notifier.SendNewMessageNotification(msg.ReceiverID, msg.SenderName)
	}
}

func (c *Client) handleTyping(event *wire.Event) {
	var signal wire.TypingSignal
	if err := event.Decode(&signal); err != nil {
		return
	}

	signal.UserID = c.userID
	if signal.Timestamp.IsZero() {
		signal.Timestamp = time.Now().UTC()
	}
	if err := signal.Validate(); err != nil {
		return
	}

	forwarded, err := wire.NewEvent(wire.EventUserTypingStatus, &signal)
	if err != nil {
		return
	}
	c.hub.broadcast <- &delivery{userIDs: []string{signal.ReceiverID}, event: forwarded}
}

func (c *Client) handleMarkStatus(event *wire.Event, status string) {
	var update wire.StatusUpdate
	if err := event.Decode(&update); err != nil {
		return
	}
	if update.MessageID == "" {
		return
	}

	var query string
	if status == "delivered" {
		query = "UPDATE messages SET status = 'delivered', delivered_at = CURRENT_TIMESTAMP WHERE id = ? AND receiver_id = ?"
	} else {
		query = "UPDATE messages SET status = 'read', read_at = CURRENT_TIMESTAMP WHERE id = ? AND receiver_id = ?"
	}

	if _, err := c.hub.db.Exec(query, update.MessageID, c.userID); err != nil {
		c.hub.log.Error().Err(err).Str("status", status).Msg("failed to update message status")
		return
	}

	var senderID, conversationID string
	if err := c.hub.db.QueryRow(
		"SELECT sender_id, conversation_id FROM messages WHERE id = ?",
		update.MessageID,
	).Scan(&senderID, &conversationID); err != nil {
		return
	}

	eventType := wire.EventMessageDelivered
	if status == "read" {
		eventType = wire.EventMessageRead
	}

	fanout, err := wire.NewEvent(eventType, &wire.StatusUpdate{
		MessageID:      update.MessageID,
		ConversationID: conversationID,
		UserID:         c.userID,
	})
	if err != nil {
		return
	}
	c.hub.broadcast <- &delivery{userIDs: []string{senderID, c.userID}, event: fanout}
}

func (c *Client) handlePing() {
	event, err := wire.NewEvent(wire.EventPong, gin.H{"at": time.Now().UTC()})
	if err != nil {
		return
	}
	c.hub.broadcast <- &delivery{userIDs: []string{c.userID}, event: event}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
