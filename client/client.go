// Package client implements the realtime conversation synchronization layer
// of the marketplace: a single websocket session to the relay, an optimistic
// per-conversation message store, and presence/typing mirrors of the relay's
// pushes.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/costumery/messaging/wire"
)

// ErrNotConnected is returned by Send and SendTypingStatus when no live
// session exists. Sends are never queued invisibly.
var ErrNotConnected = errors.New("not connected to relay")

// Conn is the minimal transport surface the client needs. Satisfied by
// *websocket.Conn; tests inject fakes.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Options configures a Client.
type Options struct {
	// URL of the relay websocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// Token is the session JWT appended to the connect request.
	Token string
	// Store lets the embedding application construct the conversation store
	// itself and share the handle with its UI layer. Defaults to a fresh one.
	Store *ConversationStore

	Logger zerolog.Logger
	Dialer *websocket.Dialer

	// Reconnect enables capped exponential backoff redial after an unexpected
	// connection loss. Explicit Disconnect never triggers a redial.
	Reconnect  bool
	MaxBackoff time.Duration

	// OnStateChange observes connectivity transitions. Never called
	// concurrently with itself.
	OnStateChange func(connected bool)
	// OnEvent observes every inbound event after the client has applied it to
	// its stores. This is the re-render hook for the UI.
	OnEvent func(event *wire.Event)
}

// Client owns the session lifecycle and routes inbound events into the
// conversation store and the presence/typing trackers. All mutations go
// through the store's operations; the read loop is the only transport-side
// writer.
type Client struct {
	url        string
	token      string
	log        zerolog.Logger
	dialer     *websocket.Dialer
	reconnect  bool
	maxBackoff time.Duration
	onState    func(bool)
	onEvent    func(*wire.Event)

	store    *ConversationStore
	presence *PresenceTracker
	typing   *TypingTracker

	handlers map[string]func(*wire.Event)

	mu          sync.Mutex
	conn        Conn
	connected   bool
	closing     bool
	userID      string
	displayName string
	ctx         context.Context
}

// New creates a Client. It does not open a connection; call Connect.
func New(opts Options) *Client {
	store := opts.Store
	if store == nil {
		store = NewConversationStore()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	c := &Client{
		url:        opts.URL,
		token:      opts.Token,
		log:        opts.Logger,
		dialer:     dialer,
		reconnect:  opts.Reconnect,
		maxBackoff: maxBackoff,
		onState:    opts.OnStateChange,
		onEvent:    opts.OnEvent,
		store:      store,
		presence:   NewPresenceTracker(),
		typing:     NewTypingTracker(),
	}

	c.handlers = map[string]func(*wire.Event){
		wire.EventWelcome:          c.handleWelcome,
		wire.EventOnlineUsers:      c.handleOnlineUsers,
		wire.EventNewMessage:       c.handleNewMessage,
		wire.EventUserTypingStatus: c.handleTypingStatus,
		wire.EventMessageDelivered: c.handleMessageDelivered,
		wire.EventMessageRead:      c.handleMessageRead,
		wire.EventPong:             c.handlePong,
	}

	return c
}

// Connect opens the session identified by userID/displayName. Calling it
// while a session is live is a no-op; there is never more than one live
// connection per client.
func (c *Client) Connect(ctx context.Context, userID, displayName string) error {
	if userID == "" {
		return fmt.Errorf("user id is required to connect")
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.userID = userID
	c.displayName = displayName
	c.ctx = ctx
	c.mu.Unlock()

	conn, err := c.dial(ctx, userID, displayName)
	if err != nil {
		return err
	}

	// The dial ran unlocked, so a Disconnect or a competing Connect may have
	// finished first. Whoever committed state wins; this conn is discarded.
	c.mu.Lock()
	if c.closing || c.connected {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.notifyState(true)
	go c.readLoop(conn)
	return nil
}

func (c *Client) dial(ctx context.Context, userID, displayName string) (Conn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("userId", userID)
	q.Set("username", displayName)
	if c.token != "" {
		q.Set("token", c.token)
	}
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}
	return conn, nil
}

// Disconnect releases the connection and clears presence and typing state. It
// is safe to call on every exit path, connected or not.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.teardown()
}

// IsConnected reports whether a live session exists.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// UserID returns the identifier supplied to Connect.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Store returns the conversation store handle shared with the UI layer.
func (c *Client) Store() *ConversationStore { return c.store }

// Presence returns the online-user tracker.
func (c *Client) Presence() *PresenceTracker { return c.presence }

// Typing returns the typing-indicator tracker.
func (c *Client) Typing() *TypingTracker { return c.typing }

// Send validates and transmits a chat message, inserting an optimistic copy
// into the store first so the UI stays responsive. It returns the optimistic
// message so the caller's retry policy can Remove it if confirmation never
// arrives. The error reports whether transmission was attempted, not whether
// the relay delivered anything.
func (c *Client) Send(msg wire.Message) (wire.Message, error) {
	if msg.Kind == "" {
		msg.Kind = wire.KindText
	}
	if err := msg.ValidateSend(); err != nil {
		return wire.Message{}, err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.ClientMessageID == "" {
		msg.ClientMessageID = "tmp-" + uuid.NewString()
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return wire.Message{}, ErrNotConnected
	}

	event, err := wire.NewEvent(wire.EventSendMessage, &msg)
	if err != nil {
		return wire.Message{}, err
	}

	c.store.InsertOptimistic(msg.ConversationID, msg)

	if err := conn.WriteJSON(event); err != nil {
		c.store.Remove(msg.ConversationID, msg.ClientMessageID)
		return wire.Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	return msg, nil
}

// SendTypingStatus validates and transmits a typing signal. Fire-and-forget;
// there is no delivery confirmation.
func (c *Client) SendTypingStatus(signal wire.TypingSignal) error {
	if err := signal.Validate(); err != nil {
		return err
	}
	if signal.Timestamp.IsZero() {
		signal.Timestamp = time.Now()
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	event, err := wire.NewEvent(wire.EventUserTyping, &signal)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(event); err != nil {
		return fmt.Errorf("failed to send typing signal: %w", err)
	}
	return nil
}

// MarkDelivered tells the relay a message reached this device.
func (c *Client) MarkDelivered(conversationID, messageID string) error {
	return c.sendStatus(wire.EventMarkDelivered, conversationID, messageID)
}

// MarkRead tells the relay a message was read, and marks the local copy.
func (c *Client) MarkRead(conversationID, messageID string) error {
	if err := c.sendStatus(wire.EventMarkRead, conversationID, messageID); err != nil {
		return err
	}
	read := true
	c.store.Update(conversationID, messageID, MessagePatch{IsRead: &read})
	return nil
}

func (c *Client) sendStatus(eventType, conversationID, messageID string) error {
	if conversationID == "" || messageID == "" {
		return fmt.Errorf("conversation_id and message_id are required")
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	event, err := wire.NewEvent(eventType, &wire.StatusUpdate{
		MessageID:      messageID,
		ConversationID: conversationID,
	})
	if err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

func (c *Client) readLoop(conn Conn) {
	for {
		var event wire.Event
		if err := conn.ReadJSON(&event); err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()

			if !closing {
				c.log.Warn().Err(err).Msg("relay connection lost")
			}
			c.teardown()

			if c.reconnect && !closing {
				go c.redial()
			}
			return
		}

		c.handleEvent(&event)
	}
}

// handleEvent routes one inbound event through the dispatch table. It is the
// single entry point for server pushes, so stores only ever see sequential
// mutations from the transport side.
func (c *Client) handleEvent(event *wire.Event) {
	handler, ok := c.handlers[event.Type]
	if !ok {
		c.log.Debug().Str("type", event.Type).Msg("ignoring unknown event")
		return
	}
	handler(event)

	if c.onEvent != nil {
		c.onEvent(event)
	}
}

func (c *Client) handleWelcome(event *wire.Event) {
	var w wire.Welcome
	if err := event.Decode(&w); err != nil {
		c.log.Warn().Err(err).Msg("bad welcome payload")
		return
	}
	c.log.Info().Str("user_id", w.UserID).Msg("session acknowledged")
}

func (c *Client) handleOnlineUsers(event *wire.Event) {
	var snapshot wire.OnlineUsers
	if err := event.Decode(&snapshot); err != nil {
		// Malformed snapshot reads as empty.
		c.presence.Apply(nil)
		return
	}
	c.presence.Apply(snapshot.Users)
}

// handleNewMessage applies a server-confirmed message. When the relay echoes
// back our own send, the attached client_message_id identifies the optimistic
// placeholder to drop before inserting the confirmed copy.
func (c *Client) handleNewMessage(event *wire.Event) {
	var msg wire.Message
	if err := event.Decode(&msg); err != nil {
		c.log.Warn().Err(err).Msg("bad newMessage payload")
		return
	}
	if msg.ID == "" || msg.ConversationID == "" {
		return
	}

	c.mu.Lock()
	self := c.userID
	c.mu.Unlock()

	if msg.SenderID == self && msg.ClientMessageID != "" {
		c.store.Remove(msg.ConversationID, msg.ClientMessageID)
	}
	c.store.InsertConfirmed(msg.ConversationID, msg)
}

func (c *Client) handleTypingStatus(event *wire.Event) {
	var signal wire.TypingSignal
	if err := event.Decode(&signal); err != nil {
		c.log.Warn().Err(err).Msg("bad typing payload")
		return
	}
	c.typing.Apply(signal)
}

func (c *Client) handleMessageDelivered(event *wire.Event) {
	var status wire.StatusUpdate
	if err := event.Decode(&status); err != nil {
		return
	}
	c.log.Debug().Str("message_id", status.MessageID).Msg("message delivered")
}

func (c *Client) handleMessageRead(event *wire.Event) {
	var status wire.StatusUpdate
	if err := event.Decode(&status); err != nil {
		return
	}
	read := true
	c.store.Update(status.ConversationID, status.MessageID, MessagePatch{IsRead: &read})
}

func (c *Client) handlePong(event *wire.Event) {
	c.log.Debug().Msg("pong")
}

// teardown clears session-scoped state exactly once per connection loss.
// Conversation logs survive; only presence and typing are connection-scoped.
func (c *Client) teardown() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	c.mu.Unlock()

	c.presence.Clear()
	c.typing.Clear()
	c.notifyState(false)
}

// redial retries the connection with capped exponential backoff until it
// succeeds, the context ends, or Disconnect is called.
func (c *Client) redial() {
	c.mu.Lock()
	ctx := c.ctx
	userID := c.userID
	displayName := c.displayName
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	backoff := 500 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.mu.Lock()
		closing := c.closing
		connected := c.connected
		c.mu.Unlock()
		if closing || connected {
			return
		}

		if err := c.Connect(ctx, userID, displayName); err == nil {
			c.log.Info().Msg("reconnected to relay")
			return
		}

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
		c.log.Debug().Dur("backoff", backoff).Msg("reconnect attempt failed")
	}
}

func (c *Client) notifyState(connected bool) {
	if c.onState != nil {
		c.onState(connected)
	}
}
