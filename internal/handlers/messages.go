package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/costumery/messaging/internal/push"
	"github.com/costumery/messaging/wire"
)

type MessageHandler struct {
	db       *sql.DB
	notifier *push.Notifier
}

func NewMessageHandler(db *sql.DB, notifier *push.Notifier) *MessageHandler {
	return &MessageHandler{db: db, notifier: notifier}
}

type CreateConversationRequest struct {
	ParticipantUsername string `json:"participant_username" binding:"required"`
	CostumeID           string `json:"costume_id"`
	CostumeName         string `json:"costume_name"`
}

type Conversation struct {
	ID            string    `json:"id"`
	ParticipantA  string    `json:"participant_a"`
	ParticipantB  string    `json:"participant_b"`
	CostumeID     string    `json:"costume_id,omitempty"`
	CostumeName   string    `json:"costume_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt string    `json:"last_message_at,omitempty"`
	UnreadCount   int       `json:"unread_count"`
}

// CreateConversation opens a thread between the current user and another
// participant, optionally tied to a costume listing the inquiry started from.
func (h *MessageHandler) CreateConversation(c *gin.Context) {
	userID := c.GetString(contextUserID)

	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var participantID string
	err := h.db.QueryRow("SELECT id FROM users WHERE username = ?", req.ParticipantUsername).Scan(&participantID)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "participant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch user"})
		return
	}

	if participantID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot create conversation with yourself"})
		return
	}

	// Reuse an existing thread between the same pair for the same costume.
	var existingID string
	err = h.db.QueryRow(`
		SELECT id FROM conversations
		WHERE ((participant_a = ? AND participant_b = ?) OR (participant_a = ? AND participant_b = ?))
		AND COALESCE(costume_id, '') = ?
	`, userID, participantID, participantID, userID, req.CostumeID).Scan(&existingID)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"id": existingID})
		return
	}
	if err != sql.ErrNoRows {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check conversation"})
		return
	}

	conversationID := uuid.NewString()
	_, err = h.db.Exec(`
		INSERT INTO conversations (id, participant_a, participant_b, costume_id, costume_name)
		VALUES (?, ?, ?, ?, ?)
	`, conversationID, userID, participantID, req.CostumeID, req.CostumeName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": conversationID})
}

// GetConversations lists the current user's threads, newest activity first.
func (h *MessageHandler) GetConversations(c *gin.Context) {
	userID := c.GetString(contextUserID)

	rows, err := h.db.Query(`
		SELECT c.id, c.participant_a, c.participant_b,
		       COALESCE(c.costume_id, ''), COALESCE(c.costume_name, ''),
		       c.created_at,
		       COALESCE((SELECT MAX(created_at) FROM messages WHERE conversation_id = c.id), ''),
		       (SELECT COUNT(*) FROM messages WHERE conversation_id = c.id AND receiver_id = ? AND read_at IS NULL)
		FROM conversations c
		WHERE c.participant_a = ? OR c.participant_b = ?
		ORDER BY c.updated_at DESC
	`, userID, userID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch conversations"})
		return
	}
	defer rows.Close()

	conversations := []Conversation{}
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(
			&conv.ID, &conv.ParticipantA, &conv.ParticipantB,
			&conv.CostumeID, &conv.CostumeName,
			&conv.CreatedAt, &conv.LastMessageAt, &conv.UnreadCount,
		); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to scan conversation"})
			return
		}
		conversations = append(conversations, conv)
	}

	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// GetMessages returns the full history of one conversation in ascending
// timestamp order. This is the snapshot the client feeds to ReplaceAll.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	userID := c.GetString(contextUserID)
	conversationID := c.Param("id")

	if !h.isParticipant(conversationID, userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	rows, err := h.db.Query(`
		SELECT m.id, COALESCE(m.client_message_id, ''), m.conversation_id,
		       m.sender_id, m.receiver_id, m.body, m.kind,
		       COALESCE(m.image_url, ''), m.created_at, m.read_at IS NOT NULL,
		       COALESCE(c.costume_id, ''), COALESCE(c.costume_name, '')
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.conversation_id = ?
		ORDER BY m.created_at ASC
	`, conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch messages"})
		return
	}
	defer rows.Close()

	messages := []wire.Message{}
	for rows.Next() {
		var msg wire.Message
		var costumeID, costumeName string
		if err := rows.Scan(
			&msg.ID, &msg.ClientMessageID, &msg.ConversationID,
			&msg.SenderID, &msg.ReceiverID, &msg.Body, &msg.Kind,
			&msg.ImageURL, &msg.Timestamp, &msg.IsRead,
			&costumeID, &costumeName,
		); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to scan message"})
			return
		}
		if costumeID != "" {
			msg.Costume = &wire.CostumeRef{ID: costumeID, Name: costumeName}
		}
		messages = append(messages, msg)
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// MarkConversationRead marks every message addressed to the current user in
// the conversation as read.
func (h *MessageHandler) MarkConversationRead(c *gin.Context) {
	userID := c.GetString(contextUserID)
	conversationID := c.Param("id")

	if !h.isParticipant(conversationID, userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	result, err := h.db.Exec(`
		UPDATE messages SET status = 'read', read_at = CURRENT_TIMESTAMP
		WHERE conversation_id = ? AND receiver_id = ? AND read_at IS NULL
	`, conversationID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update message"})
		return
	}

	updated, _ := result.RowsAffected()
	c.JSON(http.StatusOK, gin.H{"marked_read": updated})
}

type SubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	P256dh   string `json:"p256dh" binding:"required"`
	Auth     string `json:"auth" binding:"required"`
}

// SubscribePush stores a Web Push subscription for the current user.
func (h *MessageHandler) SubscribePush(c *gin.Context) {
	userID := c.GetString(contextUserID)

	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	_, err := h.db.Exec(`
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET user_id = excluded.user_id, p256dh = excluded.p256dh, auth = excluded.auth, revoked_at = NULL
	`, userID, req.Endpoint, req.P256dh, req.Auth)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"vapid_public_key": h.notifier.VAPIDPublicKey()})
}

// UnsubscribePush revokes a Web Push subscription.
func (h *MessageHandler) UnsubscribePush(c *gin.Context) {
	userID := c.GetString(contextUserID)
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint query parameter required"})
		return
	}

	_, err := h.db.Exec(
		"UPDATE push_subscriptions SET revoked_at = CURRENT_TIMESTAMP WHERE user_id = ? AND endpoint = ?",
		userID, endpoint,
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

func (h *MessageHandler) isParticipant(conversationID, userID string) bool {
	var exists bool
	err := h.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM conversations
			WHERE id = ? AND (participant_a = ? OR participant_b = ?)
		)
	`, conversationID, userID, userID).Scan(&exists)
	return err == nil && exists
}
