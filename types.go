package conversync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a server-reported error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic REST response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Identity
// ============================================================================

// Identity names one actor: the current user, a counterpart, or a room member.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind discriminates the two conversation shapes.
type ConversationKind string

const (
	KindPairwise ConversationKind = "pairwise"
	KindRoom     ConversationKind = "room"
)

// Conversation is one entry in the directory.
//
// ID is empty while the conversation is pending server confirmation; LocalID
// is always set and is the stable local handle. A pending conversation is
// promoted to its server ID exactly once.
type Conversation struct {
	ID           string           `json:"id,omitempty"`
	LocalID      string           `json:"localId"`
	Kind         ConversationKind `json:"kind"`
	Title        string           `json:"title,omitempty"`
	Counterpart  Identity         `json:"counterpart,omitempty"`
	Participants []Identity       `json:"participants,omitempty"`
	LastBody     string           `json:"lastBody,omitempty"`
	LastAuthor   Identity         `json:"lastAuthor,omitempty"`
	LastActivity time.Time        `json:"lastActivity,omitempty"`
	UpdatedAt    time.Time        `json:"updatedAt,omitempty"`
	CreatedAt    time.Time        `json:"createdAt,omitempty"`
	LastViewedAt time.Time        `json:"lastViewedAt,omitempty"`
	Unread       int              `json:"unread"`
	Pending      bool             `json:"pending,omitempty"`
}

// Ref returns the server ID when confirmed, the local ID otherwise.
func (c *Conversation) Ref() string {
	if c.ID != "" {
		return c.ID
	}
	return c.LocalID
}

// ============================================================================
// Messages
// ============================================================================

// MediaKind classifies an attachment.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
	MediaFile  MediaKind = "file"
)

// Attachment is an optional media reference carried by a message.
type Attachment struct {
	Kind MediaKind `json:"kind"`
	URL  string    `json:"url"`
	Name string    `json:"name,omitempty"`
}

// Message is one record in a conversation's sequence.
//
// ID is empty while the record is optimistic. Body may be empty for
// attachment-only messages. A deleted message keeps its original body in
// OriginalBody and shows a tombstone; attachment deletion is independent of
// message deletion.
type Message struct {
	ID                string      `json:"id,omitempty"`
	ClientID          string      `json:"clientId,omitempty"`
	ConversationID    string      `json:"conversationId"`
	Author            Identity    `json:"author"`
	Body              string      `json:"body"`
	Timestamp         time.Time   `json:"timestamp"`
	Attachment        *Attachment `json:"attachment,omitempty"`
	Edited            bool        `json:"edited,omitempty"`
	OriginalBody      string      `json:"originalBody,omitempty"`
	Deleted           bool        `json:"deleted,omitempty"`
	DeletedAt         time.Time   `json:"deletedAt,omitempty"`
	AttachmentDeleted bool        `json:"attachmentDeleted,omitempty"`
	Optimistic        bool        `json:"optimistic,omitempty"`
}

// ============================================================================
// Presence
// ============================================================================

// PresenceStatus is a contact's availability classification.
type PresenceStatus string

const (
	StatusAvailable PresenceStatus = "available"
	StatusAway      PresenceStatus = "away"
	StatusOffline   PresenceStatus = "offline"
)

// PresenceEntry pairs a contact with its last known status.
type PresenceEntry struct {
	ContactID string         `json:"contactId"`
	Status    PresenceStatus `json:"status"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ============================================================================
// Wire shapes (inbound push payloads, pre-normalization)
// ============================================================================

// pushEnvelope is the wire format for all channel events.
type pushEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wireMessage struct {
	ConversationID string `json:"conversationId,omitempty"`
	RoomID         string `json:"roomId,omitempty"`
	AuthorID       string `json:"authorId"`
	AuthorName     string `json:"authorName,omitempty"`
	Body           string `json:"body"`
	Timestamp      string `json:"timestamp"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
	MediaName      string `json:"mediaName,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
}

type wirePresence struct {
	ContactID string `json:"contactId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type wireConversation struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Title        string     `json:"title,omitempty"`
	Counterpart  *Identity  `json:"counterpart,omitempty"`
	Participants []Identity `json:"participants,omitempty"`
	CreatedAt    string     `json:"createdAt,omitempty"`
}

type wireLastMessage struct {
	ConversationID string `json:"conversationId"`
	AuthorID       string `json:"authorId,omitempty"`
	AuthorName     string `json:"authorName,omitempty"`
	Body           string `json:"lastMessage"`
	Timestamp      string `json:"timestamp"`
}

type wireEdit struct {
	ConversationID string `json:"conversationId"`
	AuthorID       string `json:"authorId"`
	Timestamp      string `json:"timestamp"`
	Body           string `json:"body"`
}

type wireDelete struct {
	ConversationID string `json:"conversationId"`
	AuthorID       string `json:"authorId"`
	Timestamp      string `json:"timestamp"`
	DeletedAt      string `json:"deletedAt,omitempty"`
}

type wireTyping struct {
	ConversationID string `json:"conversationId"`
	ContactID      string `json:"contactId"`
	IsTyping       bool   `json:"isTyping"`
}
