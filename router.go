package conversync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
)

// ============================================================================
// Canonical events
// ============================================================================

// EventKind discriminates the canonical event union.
type EventKind string

const (
	EventMessage             EventKind = "message"
	EventPresence            EventKind = "presence"
	EventConversationCreated EventKind = "conversation-created"
	EventLastMessageUpdated  EventKind = "last-message-updated"
	EventMessageEdited       EventKind = "message-edited"
	EventMessageDeleted      EventKind = "message-deleted"
	EventAttachmentDeleted   EventKind = "attachment-deleted"
	EventTyping              EventKind = "typing"
)

// MessageRef locates a message by conversation, author, and timestamp. Edits
// and deletes are addressed this way because records delivered via bulk loads
// or optimistic inserts do not all carry a server identifier.
type MessageRef struct {
	ConversationID string
	AuthorID       string
	Timestamp      time.Time
}

// LastMessageUpdate is the payload of a last-message-updated event.
type LastMessageUpdate struct {
	ConversationID string
	Body           string
	Author         Identity
	Timestamp      time.Time
}

// MessageEdit is the payload of a message-edited event.
type MessageEdit struct {
	Ref  MessageRef
	Body string
}

// MessageDelete is the payload of a message-deleted event.
type MessageDelete struct {
	Ref       MessageRef
	DeletedAt time.Time
}

// TypingUpdate is the payload of a typing event.
type TypingUpdate struct {
	ConversationID string
	ContactID      string
	IsTyping       bool
}

// Event is the canonical shape every inbound push event is normalized into.
// Exactly the field matching Kind is set.
type Event struct {
	Kind             EventKind
	ConversationKind ConversationKind // set for Kind == EventMessage

	Message      *Message
	Presence     *PresenceEntry
	Conversation *Conversation
	LastMessage  *LastMessageUpdate
	Edit         *MessageEdit
	Delete       *MessageDelete
	Attachment   *MessageRef
	Typing       *TypingUpdate
}

// ============================================================================
// Router
// ============================================================================

// Router normalizes heterogeneous inbound push events into canonical Events.
// Malformed events are dropped with a diagnostic and never forwarded; there
// are no retries at this layer.
type Router struct {
	out    chan<- Event
	logger *log.Logger
}

// NewRouter creates a router delivering canonical events to out.
func NewRouter(out chan<- Event) *Router {
	return &Router{
		out:    out,
		logger: log.New("conversync.router"),
	}
}

// HandleFrame parses one raw channel frame. Fits Connection.OnFrame.
func (r *Router) HandleFrame(data []byte) {
	var env pushEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warnf("dropping unparseable frame: %v", err)
		return
	}
	ev, err := r.normalize(env)
	if err != nil {
		r.logger.Warnf("dropping %q event: %v", env.Type, err)
		return
	}
	r.out <- ev
}

func (r *Router) normalize(env pushEnvelope) (Event, error) {
	switch env.Type {
	case "pairwise-message":
		return normalizeMessage(env.Payload, KindPairwise)
	case "room-message":
		return normalizeMessage(env.Payload, KindRoom)
	case "presence-changed":
		return normalizePresence(env.Payload)
	case "conversation-created":
		return normalizeConversation(env.Payload)
	case "last-message-updated":
		return normalizeLastMessage(env.Payload)
	case "message-edited":
		return normalizeEdit(env.Payload)
	case "message-deleted":
		return normalizeDelete(env.Payload)
	case "attachment-deleted":
		return normalizeAttachmentDelete(env.Payload)
	case "typing":
		return normalizeTyping(env.Payload)
	default:
		return Event{}, fmt.Errorf("unknown event type")
	}
}

func normalizeMessage(payload json.RawMessage, kind ConversationKind) (Event, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, err
	}
	msg, err := messageFromWire(&w, "")
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventMessage, ConversationKind: kind, Message: msg}, nil
}

// messageFromWire converts a wire record (pushed or bulk-loaded) into the
// canonical shape. fallbackConv supplies the conversation for history
// responses whose records omit it.
func messageFromWire(w *wireMessage, fallbackConv string) (*Message, error) {
	convID := w.ConversationID
	if convID == "" {
		convID = w.RoomID
	}
	if convID == "" {
		convID = fallbackConv
	}
	if convID == "" {
		return nil, fmt.Errorf("missing conversation reference")
	}
	if w.AuthorID == "" {
		return nil, fmt.Errorf("missing author")
	}
	ts, err := parseEventTime(w.Timestamp)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		ID:             w.MessageID,
		ConversationID: convID,
		Author:         Identity{ID: w.AuthorID, DisplayName: w.AuthorName},
		Body:           w.Body,
		Timestamp:      ts,
	}
	if w.MediaURL != "" {
		msg.Attachment = &Attachment{
			Kind: mediaKindOf(w.MediaType),
			URL:  w.MediaURL,
			Name: w.MediaName,
		}
	}
	// Body may be empty only for attachment-only messages.
	if msg.Body == "" && msg.Attachment == nil {
		return nil, fmt.Errorf("empty message without attachment")
	}
	return msg, nil
}

func normalizePresence(payload json.RawMessage) (Event, error) {
	var w wirePresence
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, err
	}
	if w.ContactID == "" {
		return Event{}, fmt.Errorf("missing contact")
	}
	status, err := parseStatus(w.Status)
	if err != nil {
		return Event{}, err
	}
	ts, err := parseEventTime(w.Timestamp)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventPresence, Presence: &PresenceEntry{
		ContactID: w.ContactID,
		Status:    status,
		UpdatedAt: ts,
	}}, nil
}

func normalizeConversation(payload json.RawMessage) (Event, error) {
	var w struct {
		Conversation wireConversation `json:"conversation"`
	}
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, err
	}
	conv, err := conversationFromWire(&w.Conversation)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventConversationCreated, Conversation: conv}, nil
}

func normalizeLastMessage(payload json.RawMessage) (Event, error) {
	var w wireLastMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, err
	}
	if w.ConversationID == "" {
		return Event{}, fmt.Errorf("missing conversation reference")
	}
	ts, err := parseEventTime(w.Timestamp)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventLastMessageUpdated, LastMessage: &LastMessageUpdate{
		ConversationID: w.ConversationID,
		Body:           w.Body,
		Author:         Identity{ID: w.AuthorID, DisplayName: w.AuthorName},
		Timestamp:      ts,
	}}, nil
}

func normalizeEdit(payload json.RawMessage) (Event, error) {
	var w wireEdit
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, err
	}
	ref, err := refFrom(w.ConversationID, w.AuthorID, w.Timestamp)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventMessageEdited, Edit: &MessageEdit{Ref: ref, Body: w.Body}}, nil
}

func normalizeDelete(payload json.RawMessage) (Event, error) {
	var w wireDelete
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, err
	}
	ref, err := refFrom(w.ConversationID, w.AuthorID, w.Timestamp)
	if err != nil {
		return Event{}, err
	}
	deletedAt := time.Now()
	if w.DeletedAt != "" {
		if ts, err := parseEventTime(w.DeletedAt); err == nil {
			deletedAt = ts
		}
	}
	return Event{Kind: EventMessageDeleted, Delete: &MessageDelete{Ref: ref, DeletedAt: deletedAt}}, nil
}

func normalizeAttachmentDelete(payload json.RawMessage) (Event, error) {
	var w wireDelete
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, err
	}
	ref, err := refFrom(w.ConversationID, w.AuthorID, w.Timestamp)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventAttachmentDeleted, Attachment: &ref}, nil
}

func normalizeTyping(payload json.RawMessage) (Event, error) {
	var w wireTyping
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, err
	}
	if w.ConversationID == "" || w.ContactID == "" {
		return Event{}, fmt.Errorf("missing typing reference")
	}
	return Event{Kind: EventTyping, Typing: &TypingUpdate{
		ConversationID: w.ConversationID,
		ContactID:      w.ContactID,
		IsTyping:       w.IsTyping,
	}}, nil
}

// ============================================================================
// Wire parsing helpers
// ============================================================================

func refFrom(convID, authorID, timestamp string) (MessageRef, error) {
	if convID == "" {
		return MessageRef{}, fmt.Errorf("missing conversation reference")
	}
	if authorID == "" {
		return MessageRef{}, fmt.Errorf("missing author")
	}
	ts, err := parseEventTime(timestamp)
	if err != nil {
		return MessageRef{}, err
	}
	return MessageRef{ConversationID: convID, AuthorID: authorID, Timestamp: ts}, nil
}

func parseEventTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}
	return ts, nil
}

func parseStatus(s string) (PresenceStatus, error) {
	switch PresenceStatus(s) {
	case StatusAvailable, StatusAway, StatusOffline:
		return PresenceStatus(s), nil
	}
	return "", fmt.Errorf("unknown presence status %q", s)
}

func parseKind(s string) (ConversationKind, error) {
	switch ConversationKind(s) {
	case KindPairwise, KindRoom:
		return ConversationKind(s), nil
	}
	return "", fmt.Errorf("unknown conversation kind %q", s)
}

func mediaKindOf(mimeType string) MediaKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return MediaAudio
	}
	return MediaFile
}

// conversationFromWire converts a pushed or listed conversation into the
// canonical shape.
func conversationFromWire(w *wireConversation) (*Conversation, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("missing conversation id")
	}
	kind, err := parseKind(w.Kind)
	if err != nil {
		return nil, err
	}
	conv := &Conversation{
		ID:      w.ID,
		LocalID: w.ID,
		Kind:    kind,
		Title:   w.Title,
	}
	switch kind {
	case KindPairwise:
		if w.Counterpart == nil || w.Counterpart.ID == "" {
			return nil, fmt.Errorf("pairwise conversation without counterpart")
		}
		conv.Counterpart = *w.Counterpart
	case KindRoom:
		conv.Participants = w.Participants
	}
	if w.CreatedAt != "" {
		if ts, err := parseEventTime(w.CreatedAt); err == nil {
			conv.CreatedAt = ts
		}
	}
	return conv, nil
}
