package conversync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "https://support.relaydesk.internal"
	DefaultTimeout = 30 * time.Second
)

// Client is the REST client for bulk reads and writes. The event channel is
// handled separately by Connection; this client covers conversation listing,
// message history, contact listing, and the write endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client. token is the externally issued session
// token; pass "" and call SetToken later if the session is not yet available.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the session token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured REST base.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result APIResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// alreadyDone reports whether a failed write found its desired end-state
// already in place. Those are successes, not errors.
func alreadyDone(result *APIResult) bool {
	if result == nil || result.Error == nil {
		return false
	}
	switch result.Error.Code {
	case "CONFLICT", "ALREADY_DELETED", "ALREADY_READ", "NOT_MODIFIED":
		return true
	}
	return false
}

func resultErr(result *APIResult, op string) error {
	if result.OK {
		return nil
	}
	if result.Error != nil {
		return fmt.Errorf("%s: %w", op, result.Error)
	}
	return fmt.Errorf("%s failed", op)
}

// ============================================================================
// Bulk reads
// ============================================================================

type wireContact struct {
	ContactID   string `json:"contactId"`
	DisplayName string `json:"displayName,omitempty"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// Contact is one entry of the authoritative contact listing.
type Contact struct {
	Identity
	Status    PresenceStatus
	UpdatedAt time.Time
}

// ListConversations returns the server's full conversation listing. Entries
// the client cannot make sense of are skipped rather than failing the whole
// listing.
func (c *Client) ListConversations(ctx context.Context) ([]*Conversation, error) {
	result, err := c.doRequest(ctx, http.MethodGet, "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := resultErr(result, "list conversations"); err != nil {
		return nil, err
	}
	var listing []wireConversationListing
	if err := result.Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode conversation listing: %w", err)
	}
	convs := make([]*Conversation, 0, len(listing))
	for i := range listing {
		conv, err := listedConversation(&listing[i])
		if err != nil {
			continue
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// MessageHistory returns the full message history for one conversation,
// oldest first. Records that cannot be normalized are skipped.
func (c *Client) MessageHistory(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query map[string]string
	if limit > 0 {
		query = map[string]string{"limit": fmt.Sprintf("%d", limit)}
	}
	result, err := c.doRequest(ctx, http.MethodGet, "/api/chat/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	if err := resultErr(result, "message history"); err != nil {
		return nil, err
	}
	var wire []wireMessage
	if err := result.Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode message history: %w", err)
	}
	msgs := make([]*Message, 0, len(wire))
	for i := range wire {
		msg, err := messageFromWire(&wire[i], conversationID)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ListContacts returns the authoritative contact listing with presence.
func (c *Client) ListContacts(ctx context.Context) ([]Contact, error) {
	result, err := c.doRequest(ctx, http.MethodGet, "/api/chat/contacts", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := resultErr(result, "list contacts"); err != nil {
		return nil, err
	}
	var wire []wireContact
	if err := result.Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode contact listing: %w", err)
	}
	contacts := make([]Contact, 0, len(wire))
	for _, w := range wire {
		status, err := parseStatus(w.Status)
		if err != nil {
			continue
		}
		contact := Contact{
			Identity: Identity{ID: w.ContactID, DisplayName: w.DisplayName},
			Status:   status,
		}
		if w.Timestamp != "" {
			if ts, err := parseEventTime(w.Timestamp); err == nil {
				contact.UpdatedAt = ts
			}
		}
		contacts = append(contacts, contact)
	}
	return contacts, nil
}

// wireConversationListing is one entry of the full-listing response. Listing
// entries carry the last-message summary that push conversation-created
// events do not.
type wireConversationListing struct {
	wireConversation
	LastBody     string `json:"lastBody,omitempty"`
	LastAuthorID string `json:"lastAuthorId,omitempty"`
	LastAuthor   string `json:"lastAuthor,omitempty"`
	LastActivity string `json:"lastActivity,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
	Unread       int    `json:"unread,omitempty"`
}

// listedConversation converts a full-listing entry into the canonical shape.
func listedConversation(w *wireConversationListing) (*Conversation, error) {
	conv, err := conversationFromWire(&w.wireConversation)
	if err != nil {
		return nil, err
	}
	conv.LastBody = w.LastBody
	conv.LastAuthor = Identity{ID: w.LastAuthorID, DisplayName: w.LastAuthor}
	conv.Unread = w.Unread
	if w.LastActivity != "" {
		if ts, err := parseEventTime(w.LastActivity); err == nil {
			conv.LastActivity = ts
		}
	}
	if w.UpdatedAt != "" {
		if ts, err := parseEventTime(w.UpdatedAt); err == nil {
			conv.UpdatedAt = ts
		}
	}
	return conv, nil
}

// ============================================================================
// Writes
// ============================================================================

// SendMessageRequest is the payload for a message send.
type SendMessageRequest struct {
	Body      string `json:"body"`
	ClientID  string `json:"clientId,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	MediaName string `json:"mediaName,omitempty"`
}

// SendMessage posts a message and returns the confirmed server record.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req *SendMessageRequest) (*Message, error) {
	result, err := c.doRequest(ctx, http.MethodPost, "/api/chat/conversations/"+conversationID+"/messages", req, nil)
	if err != nil {
		return nil, err
	}
	if err := resultErr(result, "send message"); err != nil {
		return nil, err
	}
	var wire wireMessage
	if err := result.Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode sent message: %w", err)
	}
	msg, err := messageFromWire(&wire, conversationID)
	if err != nil {
		return nil, fmt.Errorf("unusable send confirmation: %w", err)
	}
	msg.ClientID = req.ClientID
	return msg, nil
}

// CreateRoomRequest is the payload for room creation.
type CreateRoomRequest struct {
	Title        string   `json:"title"`
	Participants []string `json:"participants"`
}

// CreateRoom creates a multi-party room and returns the confirmed entry.
func (c *Client) CreateRoom(ctx context.Context, req *CreateRoomRequest) (*Conversation, error) {
	result, err := c.doRequest(ctx, http.MethodPost, "/api/chat/rooms", req, nil)
	if err != nil {
		return nil, err
	}
	if err := resultErr(result, "create room"); err != nil {
		return nil, err
	}
	var wire wireConversation
	if err := result.Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode created room: %w", err)
	}
	conv, err := conversationFromWire(&wire)
	if err != nil {
		return nil, fmt.Errorf("unusable room confirmation: %w", err)
	}
	return conv, nil
}

// LeaveRoom removes the current actor from a room. Leaving a room the server
// already removed us from is a success.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	result, err := c.doRequest(ctx, http.MethodDelete, "/api/chat/rooms/"+roomID+"/members/me", nil, nil)
	if err != nil {
		return err
	}
	if result.OK || alreadyDone(result) {
		return nil
	}
	return resultErr(result, "leave room")
}

// EditMessage replaces a message body server-side.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, body string) error {
	result, err := c.doRequest(ctx, http.MethodPatch, "/api/chat/conversations/"+conversationID+"/messages/"+messageID,
		map[string]string{"body": body}, nil)
	if err != nil {
		return err
	}
	return resultErr(result, "edit message")
}

// DeleteMessage deletes a message server-side. Deleting an already-deleted
// message is a success.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	result, err := c.doRequest(ctx, http.MethodDelete, "/api/chat/conversations/"+conversationID+"/messages/"+messageID, nil, nil)
	if err != nil {
		return err
	}
	if result.OK || alreadyDone(result) {
		return nil
	}
	return resultErr(result, "delete message")
}

// DeleteAttachment removes only the media reference from a message. Repeating
// the call against an already-tombstoned attachment is a success no-op.
func (c *Client) DeleteAttachment(ctx context.Context, conversationID, messageID string) error {
	result, err := c.doRequest(ctx, http.MethodDelete, "/api/chat/conversations/"+conversationID+"/messages/"+messageID+"/attachment", nil, nil)
	if err != nil {
		return err
	}
	if result.OK || alreadyDone(result) {
		return nil
	}
	return resultErr(result, "delete attachment")
}

// MarkRead records the conversation as read up to now.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	result, err := c.doRequest(ctx, http.MethodPost, "/api/chat/conversations/"+conversationID+"/read", nil, nil)
	if err != nil {
		return err
	}
	if result.OK || alreadyDone(result) {
		return nil
	}
	return resultErr(result, "mark read")
}
