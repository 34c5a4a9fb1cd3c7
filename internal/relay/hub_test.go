package relay

import (
	"database/sql"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/costumery/messaging/wire"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	_, err = conn.Exec(`
		CREATE TABLE users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			display_name TEXT
		);

		CREATE TABLE conversations (
			id TEXT PRIMARY KEY,
			participant_a TEXT NOT NULL,
			participant_b TEXT NOT NULL,
			costume_id TEXT,
			costume_name TEXT
		);

		CREATE TABLE messages (
			id TEXT PRIMARY KEY,
			client_message_id TEXT,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			body TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'text',
			image_url TEXT,
			status TEXT NOT NULL DEFAULT 'sent',
			created_at TIMESTAMP,
			delivered_at TIMESTAMP,
			read_at TIMESTAMP
		);

		CREATE TABLE push_subscriptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			endpoint TEXT UNIQUE NOT NULL,
			p256dh TEXT NOT NULL,
			auth TEXT NOT NULL,
			revoked_at TIMESTAMP
		);
	`)
	if err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}

	conn.Exec("INSERT INTO users (id, username, password_hash, display_name) VALUES ('u1', 'alice', 'hash1', 'Alice')")
	conn.Exec("INSERT INTO users (id, username, password_hash, display_name) VALUES ('u2', 'bob', 'hash2', 'Bob')")
	conn.Exec(`INSERT INTO conversations (id, participant_a, participant_b, costume_id, costume_name)
		VALUES ('conv-1', 'u1', 'u2', 'cos-1', 'Vampire Cape')`)

	return conn
}

func newTestHub(conn *sql.DB) *Hub {
	return NewHub(conn, nil, zerolog.Nop())
}

func newTestClient(hub *Hub, userID, displayName string) *Client {
	return &Client{
		userID:      userID,
		displayName: displayName,
		hub:         hub,
		send:        make(chan *wire.Event, 256),
	}
}

func recvEvent(t *testing.T, client *Client, eventType string) *wire.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-client.send:
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event for %s", eventType, client.userID)
			return nil
		}
	}
}

func expectNoEvent(t *testing.T, client *Client) {
	t.Helper()
	select {
	case event := <-client.send:
		t.Fatalf("unexpected event %s for %s", event.Type, client.userID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubCreation(t *testing.T) {
	conn := setupTestDB(t)
	defer conn.Close()

	hub := newTestHub(conn)
	if hub == nil {
		t.Fatal("NewHub returned nil")
	}
	if hub.clients == nil || hub.broadcast == nil || hub.register == nil || hub.unregister == nil {
		t.Fatal("hub channels not initialized")
	}
}

func TestRegisterSendsWelcomeAndPresence(t *testing.T) {
	conn := setupTestDB(t)
	defer conn.Close()

	hub := newTestHub(conn)
	go hub.Run()

	client := newTestClient(hub, "u1", "Alice")
	hub.register <- client

	welcome := recvEvent(t, client, wire.EventWelcome)
	var w wire.Welcome
	if err := welcome.Decode(&w); err != nil || w.UserID != "u1" {
		t.Fatalf("bad welcome payload: %+v err=%v", w, err)
	}

	snapshot := recvEvent(t, client, wire.EventOnlineUsers)
	var online wire.OnlineUsers
	if err := snapshot.Decode(&online); err != nil {
		t.Fatalf("bad presence payload: %v", err)
	}
	if online.Count != 1 || len(online.Users) != 1 || online.Users[0] != "u1" {
		t.Fatalf("unexpected presence snapshot: %+v", online)
	}

	if !hub.IsUserOnline("u1") {
		t.Fatal("u1 should be online after register")
	}
}

func TestRegisterWithSaturatedBroadcastBuffer(t *testing.T) {
	conn := setupTestDB(t)
	defer conn.Close()

	hub := newTestHub(conn)

	// Fill the broadcast buffer before Run starts draining. Welcome and
	// presence pushes happen on the Run goroutine itself and must not depend
	// on free buffer space, or a burst like this wedges the hub for good.
	noop, _ := wire.NewEvent(wire.EventPong, &struct{}{})
	for i := 0; i < cap(hub.broadcast); i++ {
		hub.broadcast <- &delivery{userIDs: []string{"nobody"}, event: noop}
	}

	go hub.Run()

	client := newTestClient(hub, "u1", "Alice")
	hub.register <- client

	recvEvent(t, client, wire.EventWelcome)
	recvEvent(t, client, wire.EventOnlineUsers)
}

func TestPresenceBroadcastOnJoinAndLeave(t *testing.T) {
	conn := setupTestDB(t)
	defer conn.Close()

	hub := newTestHub(conn)
	go hub.Run()

	client1 := newTestClient(hub, "u1", "Alice")
	hub.register <- client1
	recvEvent(t, client1, wire.EventWelcome)
	recvEvent(t, client1, wire.EventOnlineUsers)

	client2 := newTestClient(hub, "u2", "Bob")
	hub.register <- client2

	snapshot := recvEvent(t, client1, wire.EventOnlineUsers)
	var online wire.OnlineUsers
	if err := snapshot.Decode(&online); err != nil {
		t.Fatalf("bad presence payload: %v", err)
	}
	if online.Count != 2 {
		t.Fatalf("expected 2 online after join, got %d", online.Count)
	}

	hub.unregister <- client2

	snapshot = recvEvent(t, client1, wire.EventOnlineUsers)
	if err := snapshot.Decode(&online); err != nil {
		t.Fatalf("bad presence payload: %v", err)
	}
	if online.Count != 1 || online.Users[0] != "u1" {
		t.Fatalf("expected only u1 after leave, got %+v", online)
	}
	if hub.IsUserOnline("u2") {
		t.Fatal("u2 should be offline after unregister")
	}
}

func TestSendMessagePersistsAndEchoes(t *testing.T) {
	conn := setupTestDB(t)
	defer conn.Close()

	hub := newTestHub(conn)
	go hub.Run()

	sender := newTestClient(hub, "u1", "Alice")
	receiver := newTestClient(hub, "u2", "Bob")
	hub.register <- sender
	hub.register <- receiver
	recvEvent(t, sender, wire.EventWelcome)
	recvEvent(t, receiver, wire.EventWelcome)

	event, _ := wire.NewEvent(wire.EventSendMessage, &wire.Message{
		ClientMessageID: "tmp-1",
		ConversationID:  "conv-1",
		Body:            "is the cape available this weekend?",
		ReceiverID:      "u2",
		SenderID:        "spoofed", // the session decides the sender
	})
	sender.handleSendMessage(event)

	confirmed := recvEvent(t, receiver, wire.EventNewMessage)
	var msg wire.Message
	if err := confirmed.Decode(&msg); err != nil {
		t.Fatalf("bad newMessage payload: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("confirmed message has no server id")
	}
	if msg.SenderID != "u1" {
		t.Fatalf("sender id not taken from session: %q", msg.SenderID)
	}
	if msg.ClientMessageID != "tmp-1" {
		t.Fatalf("client id not echoed: %q", msg.ClientMessageID)
	}
	if msg.Costume == nil || msg.Costume.Name != "Vampire Cape" {
		t.Fatalf("costume ref not attached: %+v", msg.Costume)
	}

	echo := recvEvent(t, sender, wire.EventNewMessage)
	var senderCopy wire.Message
	if err := echo.Decode(&senderCopy); err != nil || senderCopy.ID != msg.ID {
		t.Fatalf("sender echo mismatch: %+v err=%v", senderCopy, err)
	}

	// Receiver is online, so the sender also gets a delivered notice.
	delivered := recvEvent(t, sender, wire.EventMessageDelivered)
	var status wire.StatusUpdate
	if err := delivered.Decode(&status); err != nil || status.MessageID != msg.ID {
		t.Fatalf("bad delivered payload: %+v err=%v", status, err)
	}

	var dbStatus, clientID string
	if err := conn.QueryRow(
		"SELECT status, client_message_id FROM messages WHERE id = ?", msg.ID,
	).Scan(&dbStatus, &clientID); err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if dbStatus != "delivered" {
		t.Fatalf("expected status delivered, got %q", dbStatus)
	}
	if clientID != "tmp-1" {
		t.Fatalf("client id not persisted: %q", clientID)
	}
}

func TestSendMessageOfflineReceiverStaysSent(t *testing.T) {
	conn := setupTestDB(t)
	defer conn.Close()

	hub := newTestHub(conn)
	go hub.Run()

	sender := newTestClient(hub, "u1", "Alice")
	hub.register <- sender
	recvEvent(t, sender, wire.EventWelcome)
	recvEvent(t, sender, wire.EventOnlineUsers)

	event, _ := wire.NewEvent(wire.EventSendMessage, &wire.Message{
		ConversationID: "conv-1",
		Body:           "hello?",
		ReceiverID:     "u2",
	})
	sender.handleSendMessage(event)

	recvEvent(t, sender, wire.EventNewMessage)

	var status string
	if err := conn.QueryRow(
		"SELECT status FROM messages WHERE conversation_id = 'conv-1'",
	).Scan(&status); err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if status != "sent" {
		t.Fatalf("expected status sent for offline receiver, got %q", status)
	}
}

func TestSendMessageRejectsNonParticipant(t *testing.T) {
	conn := setupTestDB(t)
	defer conn.Close()

	hub := newTestHub(conn)
	go hub.Run()

	outsider := newTestClient(hub, "u3", "Mallory")
	hub.register <- outsider
	recvEvent(t, outsider, wire.EventWelcome)

	event, _ := wire.NewEvent(wire.EventSendMessage, &wire.Message{
		ConversationID: "conv-1",
		Body:           "let me in",
		ReceiverID:     "u2",
	})
	outsider.handleSendMessage(event)

	if got := countMessages(conn); got != 0 {
		t.Fatalf("outsider message was persisted, count=%d", got)
	}
}

func TestInvalidSendMessageNotPersisted(t *testing.T) {
	conn := setupTestDB(t)
	defer conn.Close()

	hub := newTestHub(conn)
	go hub.Run()

	sender := newTestClient(hub, "u1", "Alice")
	hub.register <- sender
	recvEvent(t, sender, wire.EventWelcome)

	tests := []struct {
		name string
		msg  wire.Message
	}{
		{name: "missing conversation", msg: wire.Message{Body: "hi", ReceiverID: "u2"}},
		{name: "empty body", msg: wire.Message{ConversationID: "conv-1", ReceiverID: "u2"}},
		{name: "missing receiver", msg: wire.Message{ConversationID: "conv-1", Body: "hi"}},
		{name: "unknown conversation", msg: wire.Message{ConversationID: "conv-404", Body: "hi", ReceiverID: "u2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := countMessages(conn)
			event, _ := wire.NewEvent(wire.EventSendMessage, &tt.msg)
			sender.handleSendMessage(event)
			if after := countMessages(conn); after != before {
				t.Fatalf("invalid message was persisted")
			}
		})
	}
}

func TestTypingForwardedToReceiverOnly(t *testing.T) {
	conn := setupTestDB(t)
	defer conn.Close()

	hub := newTestHub(conn)
	go hub.Run()

	sender := newTestClient(hub, "u1", "Alice")
	receiver := newTestClient(hub, "u2", "Bob")
	hub.register <- sender
	hub.register <- receiver
	recvEvent(t, sender, wire.EventWelcome)
	recvEvent(t, receiver, wire.EventWelcome)
	recvEvent(t, sender, wire.EventOnlineUsers)
	recvEvent(t, receiver, wire.EventOnlineUsers)

	event, _ := wire.NewEvent(wire.EventUserTyping, &wire.TypingSignal{
		ConversationID: "conv-1",
		UserID:         "spoofed",
		ReceiverID:     "u2",
		IsTyping:       true,
	})
	sender.handleTyping(event)

	forwarded := recvEvent(t, receiver, wire.EventUserTypingStatus)
	var signal wire.TypingSignal
	if err := forwarded.Decode(&signal); err != nil {
		t.Fatalf("bad typing payload: %v", err)
	}
	if signal.UserID != "u1" {
		t.Fatalf("typing user id not taken from session: %q", signal.UserID)
	}
	if !signal.IsTyping || signal.ConversationID != "conv-1" {
		t.Fatalf("typing signal mangled: %+v", signal)
	}

	expectNoEvent(t, sender)
}

func TestMarkReadUpdatesAndFansOut(t *testing.T) {
	conn := setupTestDB(t)
	defer conn.Close()

	conn.Exec(`INSERT INTO messages (id, conversation_id, sender_id, receiver_id, body, status)
		VALUES ('m1', 'conv-1', 'u1', 'u2', 'hello', 'delivered')`)

	hub := newTestHub(conn)
	go hub.Run()

	sender := newTestClient(hub, "u1", "Alice")
	receiver := newTestClient(hub, "u2", "Bob")
	hub.register <- sender
	hub.register <- receiver
	recvEvent(t, sender, wire.EventWelcome)
	recvEvent(t, receiver, wire.EventWelcome)

	event, _ := wire.NewEvent(wire.EventMarkRead, &wire.StatusUpdate{MessageID: "m1"})
	receiver.handleMarkStatus(event, "read")

	var status string
	if err := conn.QueryRow("SELECT status FROM messages WHERE id = 'm1'").Scan(&status); err != nil {
		t.Fatalf("failed to query status: %v", err)
	}
	if status != "read" {
		t.Fatalf("expected status read, got %q", status)
	}

	fanout := recvEvent(t, sender, wire.EventMessageRead)
	var update wire.StatusUpdate
	if err := fanout.Decode(&update); err != nil {
		t.Fatalf("bad read payload: %v", err)
	}
	if update.MessageID != "m1" || update.ConversationID != "conv-1" || update.UserID != "u2" {
		t.Fatalf("unexpected read fanout: %+v", update)
	}
}

func TestMarkDeliveredRequiresReceiver(t *testing.T) {
	conn := setupTestDB(t)
	defer conn.Close()

	conn.Exec(`INSERT INTO messages (id, conversation_id, sender_id, receiver_id, body, status)
		VALUES ('m1', 'conv-1', 'u1', 'u2', 'hello', 'sent')`)

	hub := newTestHub(conn)
	go hub.Run()

	// The sender cannot mark its own message delivered.
	sender := newTestClient(hub, "u1", "Alice")
	hub.register <- sender
	recvEvent(t, sender, wire.EventWelcome)

	event, _ := wire.NewEvent(wire.EventMarkDelivered, &wire.StatusUpdate{MessageID: "m1"})
	sender.handleMarkStatus(event, "delivered")

	var status string
	conn.QueryRow("SELECT status FROM messages WHERE id = 'm1'").Scan(&status)
	if status != "sent" {
		t.Fatalf("sender changed delivery status to %q", status)
	}
}

func TestPingPong(t *testing.T) {
	conn := setupTestDB(t)
	defer conn.Close()

	hub := newTestHub(conn)
	go hub.Run()

	client := newTestClient(hub, "u1", "Alice")
	hub.register <- client
	recvEvent(t, client, wire.EventWelcome)

	client.handlePing()
	recvEvent(t, client, wire.EventPong)
}

func TestWebSocketIntegration(t *testing.T) {
	gin.SetMode(gin.TestMode)

	conn := setupTestDB(t)
	defer conn.Close()

	hub := newTestHub(conn)
	go hub.Run()

	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		c.Set("user_id", "u1")
		c.Set("username", "alice")
		hub.HandleWebSocket(c)
	})

	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var welcome wire.Event
	if err := ws.ReadJSON(&welcome); err != nil {
		t.Fatalf("failed to read welcome: %v", err)
	}
	if welcome.Type != wire.EventWelcome {
		t.Fatalf("expected welcome first, got %s", welcome.Type)
	}

	var snapshot wire.Event
	if err := ws.ReadJSON(&snapshot); err != nil {
		t.Fatalf("failed to read presence snapshot: %v", err)
	}
	if snapshot.Type != wire.EventOnlineUsers {
		t.Fatalf("expected onlineUsers, got %s", snapshot.Type)
	}

	if !hub.IsUserOnline("u1") {
		t.Fatal("websocket client was not registered in hub")
	}
}

func countMessages(conn *sql.DB) int {
	var count int
	conn.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	return count
}
