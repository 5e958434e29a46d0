package conversync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
)

// ============================================================================
// Engine
// ============================================================================

// ErrSessionUnavailable is returned by Start when the session provider stays
// empty past the bounded startup retry.
var ErrSessionUnavailable = errors.New("session durably unavailable")

// Engine binds the sync components into one consistent view. All state
// mutation happens on a single loop goroutine; the event channel, the poll
// tickers, and user intents are serialized through it, so interleaving points
// are explicit.
type Engine struct {
	cfg    Config
	logger *log.Logger

	sessions SessionProvider
	session  Session
	client   *Client
	conn     *Connection
	router   *Router
	store    *MessageStore
	dir      *Directory
	presence *PresenceCache
	corr     *Correlator
	local    *LocalStore

	notifier Notifier
	sounds   SoundPlayer
	navigate func(Conversation)
	observer func(Event)
	onError  func(error)

	events  chan Event
	intents chan func()
	done    chan struct{}
	stopped sync.Once

	// Loop-owned state; touched only from run().
	openConv     string
	focused      bool
	typing       map[string]map[string]time.Time
	loadSeq      map[string]uint64
	pendingSends map[string][]queuedSend
}

type queuedSend struct {
	clientID string
	req      SendMessageRequest
}

// EngineOption configures optional engine collaborators.
type EngineOption func(*Engine)

// WithLocalStore attaches the persisted cache. The engine uses it; the
// caller owns its lifecycle.
func WithLocalStore(store *LocalStore) EngineOption {
	return func(e *Engine) { e.local = store }
}

// WithNotifier attaches the system notification service.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithSounds attaches the notification sound player.
func WithSounds(s SoundPlayer) EngineOption {
	return func(e *Engine) { e.sounds = s }
}

// WithNavigate sets the callback receiving the conversation resolved from an
// activated notification.
func WithNavigate(fn func(Conversation)) EngineOption {
	return func(e *Engine) { e.navigate = fn }
}

// WithEventObserver sets a callback invoked on the loop goroutine after each
// inbound event has been applied. It must not block.
func WithEventObserver(fn func(Event)) EngineOption {
	return func(e *Engine) { e.observer = fn }
}

// WithErrorHandler sets the callback receiving asynchronous write failures
// (message sends, room creation). It may be invoked from any goroutine.
func WithErrorHandler(fn func(error)) EngineOption {
	return func(e *Engine) { e.onError = fn }
}

// NewEngine creates an engine. Call Start to bring it up.
func NewEngine(cfg Config, sessions SessionProvider, opts ...EngineOption) *Engine {
	cfg.defaults()
	e := &Engine{
		cfg:          cfg,
		logger:       log.New("conversync.engine"),
		sessions:     sessions,
		events:       make(chan Event, 64),
		intents:      make(chan func(), 64),
		done:         make(chan struct{}),
		typing:       make(map[string]map[string]time.Time),
		loadSeq:      make(map[string]uint64),
		pendingSends: make(map[string][]queuedSend),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start resolves the session, opens the event channel, and starts the loop.
// The session provider may be transiently empty at startup; Start retries a
// bounded number of times before treating it as durably unavailable.
func (e *Engine) Start(ctx context.Context) error {
	session, err := e.awaitSession(ctx)
	if err != nil {
		return err
	}
	e.session = session

	e.client = NewClient(session.Token, WithBaseURL(e.cfg.BaseURL), WithHTTPClient(e.cfg.HTTPClient))
	e.store = NewMessageStore(e.cfg)
	e.dir = NewDirectory(session.Actor)
	var snapshots PresenceSnapshotStore
	if e.local != nil {
		snapshots = e.local
	}
	e.presence = NewPresenceCache(e.cfg, snapshots)
	e.corr = NewCorrelator(session.Actor, e.dir, e.notifier, e.sounds, e.navigate)
	e.router = NewRouter(e.events)
	e.conn = NewConnection(e.cfg, e.sessions)
	e.conn.OnFrame(e.router.HandleFrame)

	// Serve whatever the last run persisted before the first refresh lands.
	if e.local != nil {
		if convs, err := e.local.LoadConversations(); err == nil {
			e.dir.Seed(convs)
		} else {
			e.logger.Warnf("conversation log unavailable: %v", err)
		}
		e.presence.Prime(time.Now())
	}

	if err := e.conn.Connect(ctx); err != nil {
		// The supervisor keeps retrying; bulk reads still work meanwhile.
		e.logger.Warnf("event channel connect: %v", err)
	}

	go e.run(ctx)
	go e.refreshDirectory(ctx)
	go e.refreshPresence(ctx)
	return nil
}

func (e *Engine) awaitSession(ctx context.Context) (Session, error) {
	for attempt := 1; ; attempt++ {
		session, err := e.sessions.Session()
		if err == nil {
			return session, nil
		}
		if attempt >= e.cfg.SessionAttempts {
			return Session{}, fmt.Errorf("%w after %d attempts: %v", ErrSessionUnavailable, attempt, err)
		}
		select {
		case <-ctx.Done():
			return Session{}, ctx.Err()
		case <-time.After(e.cfg.SessionSpacing):
		}
	}
}

// Close tears the engine down: the connection is released, the tickers stop,
// and pending correlations are dropped. Idempotent, and safe to call after a
// failed Start, where the collaborators were never built.
func (e *Engine) Close() {
	e.stopped.Do(func() {
		close(e.done)
		if e.conn != nil {
			e.conn.Teardown()
		}
		if e.corr != nil {
			e.corr.Clear()
		}
		if e.local != nil && e.dir != nil {
			if err := e.local.SaveConversations(e.dir.Conversations()); err != nil {
				e.logger.Warnf("persisting conversation log: %v", err)
			}
		}
	})
}

// ============================================================================
// Loop
// ============================================================================

func (e *Engine) run(ctx context.Context) {
	presenceTick := time.NewTicker(e.cfg.PresencePoll)
	directoryTick := time.NewTicker(e.cfg.DirectoryPoll)
	typingTick := time.NewTicker(time.Second)
	defer presenceTick.Stop()
	defer directoryTick.Stop()
	defer typingTick.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Close()
			return
		case <-e.done:
			return
		case ev := <-e.events:
			e.handleEvent(ev)
			if e.observer != nil {
				e.observer(ev)
			}
		case fn := <-e.intents:
			fn()
		case <-presenceTick.C:
			go e.refreshPresence(ctx)
		case <-directoryTick.C:
			go e.refreshDirectory(ctx)
		case now := <-typingTick.C:
			e.expireTyping(now)
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (e *Engine) do(fn func()) {
	doneCh := make(chan struct{})
	select {
	case e.intents <- func() { fn(); close(doneCh) }:
	case <-e.done:
		return
	}
	select {
	case <-doneCh:
	case <-e.done:
	}
}

// handleEvent applies one canonical event. The switch is exhaustive over
// EventKind.
func (e *Engine) handleEvent(ev Event) {
	switch ev.Kind {
	case EventMessage:
		e.applyMessage(ev.Message)
	case EventPresence:
		e.presence.ApplyPush(*ev.Presence)
	case EventConversationCreated:
		e.dir.ApplyCreated(ev.Conversation)
	case EventLastMessageUpdated:
		e.dir.ApplyLastMessage(ev.LastMessage)
	case EventMessageEdited:
		e.store.Edit(ev.Edit.Ref, ev.Edit.Body)
	case EventMessageDeleted:
		e.store.Delete(ev.Delete.Ref, ev.Delete.DeletedAt)
	case EventAttachmentDeleted:
		e.store.DeleteAttachment(*ev.Attachment)
	case EventTyping:
		e.applyTyping(ev.Typing)
	}
}

func (e *Engine) applyMessage(msg *Message) {
	open := e.openConv != "" && e.openConv == msg.ConversationID
	e.store.Insert(msg)
	e.dir.ApplyMessage(msg, open)
	e.corr.HandleMessage(msg, e.focused)
}

func (e *Engine) applyTyping(t *TypingUpdate) {
	contacts := e.typing[t.ConversationID]
	if t.IsTyping {
		if contacts == nil {
			contacts = make(map[string]time.Time)
			e.typing[t.ConversationID] = contacts
		}
		contacts[t.ContactID] = time.Now().Add(e.cfg.TypingExpiry)
		return
	}
	delete(contacts, t.ContactID)
}

func (e *Engine) expireTyping(now time.Time) {
	for conv, contacts := range e.typing {
		for contact, deadline := range contacts {
			if now.After(deadline) {
				delete(contacts, contact)
			}
		}
		if len(contacts) == 0 {
			delete(e.typing, conv)
		}
	}
}

// ============================================================================
// Pull refreshes
// ============================================================================

// refreshDirectory pulls the full conversation listing and reconciles it.
func (e *Engine) refreshDirectory(ctx context.Context) {
	convs, err := e.client.ListConversations(ctx)
	if err != nil {
		e.logger.Warnf("conversation refresh: %v", err)
		return
	}
	e.do(func() {
		for _, p := range e.dir.Refresh(convs) {
			e.promote(p)
		}
		e.persistLog()
	})
}

// refreshPresence pulls the authoritative contact listing.
func (e *Engine) refreshPresence(ctx context.Context) {
	contacts, err := e.client.ListContacts(ctx)
	if err != nil {
		e.presence.Degrade(err)
		return
	}
	entries := make([]PresenceEntry, 0, len(contacts))
	for _, c := range contacts {
		entries = append(entries, PresenceEntry{ContactID: c.ID, Status: c.Status, UpdatedAt: c.UpdatedAt})
	}
	e.presence.ApplyAuthoritative(entries, time.Now())
}

// LoadHistory pulls one conversation's message history and reconciles it with
// the store. A later load for the same conversation supersedes this one: the
// guard records the active request and a late response from a superseded load
// is discarded by identity before being applied.
func (e *Engine) LoadHistory(ctx context.Context, ref string) {
	var seq uint64
	e.do(func() {
		e.loadSeq[ref]++
		seq = e.loadSeq[ref]
	})

	conv, ok := e.dir.Get(ref)
	if !ok || conv.ID == "" {
		return
	}

	msgs, err := e.client.MessageHistory(ctx, conv.ID, 0)
	if err != nil {
		e.logger.Warnf("history load for %s: %v", conv.ID, err)
		return
	}

	e.do(func() {
		if e.loadSeq[ref] != seq {
			e.logger.Debugf("discarding superseded history load for %s", ref)
			return
		}
		e.store.LoadBulk(conv.ID, msgs)
	})
}

// ============================================================================
// Intents
// ============================================================================

// Send inserts the message optimistically and posts it. For a pending
// conversation the post is queued and dispatched after promotion.
func (e *Engine) Send(ctx context.Context, ref, body string, att *Attachment) error {
	conv, ok := e.dir.Get(ref)
	if !ok {
		return fmt.Errorf("unknown conversation %s", ref)
	}
	if body == "" && att == nil {
		return fmt.Errorf("empty message")
	}

	clientID := uuid.NewString()
	msg := &Message{
		ClientID:       clientID,
		ConversationID: conv.Ref(),
		Author:         e.session.Actor,
		Body:           body,
		Timestamp:      time.Now(),
		Attachment:     att,
	}
	req := SendMessageRequest{Body: body, ClientID: clientID}
	if att != nil {
		req.MediaURL = att.URL
		req.MediaType = string(att.Kind)
		req.MediaName = att.Name
	}

	e.do(func() {
		e.store.InsertOptimistic(msg)
		e.dir.ApplyMessage(msg, true)
		if conv.Pending {
			e.pendingSends[conv.Ref()] = append(e.pendingSends[conv.Ref()], queuedSend{clientID: clientID, req: req})
			return
		}
		go e.dispatchSend(ctx, conv.ID, req)
	})
	return nil
}

// dispatchSend posts one message and reconciles the confirmed record.
func (e *Engine) dispatchSend(ctx context.Context, conversationID string, req SendMessageRequest) {
	msg, err := e.client.SendMessage(ctx, conversationID, &req)
	if err != nil {
		// The optimistic record stays visibly unconfirmed; it must never look
		// confirmed.
		e.logger.Errorf("send to %s failed: %v", conversationID, err)
		e.reportError(fmt.Errorf("sending to %s: %w", conversationID, err))
		return
	}
	e.do(func() {
		e.store.Insert(msg)
	})
}

// OpenConversation marks a conversation as open: its unread counter clears,
// the open time is persisted, and the server is told it was read.
func (e *Engine) OpenConversation(ctx context.Context, ref string) {
	e.do(func() {
		conv := e.dir.Open(ref, time.Now())
		if conv == nil {
			return
		}
		e.openConv = conv.Ref()
		if e.local != nil {
			if err := e.local.SetLastViewed(conv.LocalID, conv.LastViewedAt); err != nil {
				e.logger.Warnf("persisting open time: %v", err)
			}
		}
		if conv.ID != "" {
			go func(id string) {
				if err := e.client.MarkRead(ctx, id); err != nil {
					e.logger.Warnf("mark read %s: %v", id, err)
				}
			}(conv.ID)
		}
	})
	go e.LoadHistory(ctx, ref)
}

// CloseConversation marks no conversation as open.
func (e *Engine) CloseConversation() {
	e.do(func() { e.openConv = "" })
}

// SetFocused records whether the consuming surface is focused. Background
// messages raise notifications only while unfocused.
func (e *Engine) SetFocused(focused bool) {
	e.do(func() { e.focused = focused })
}

// StartPairwise returns the existing pairwise conversation with counterpart,
// creating a provisional one when none exists.
func (e *Engine) StartPairwise(counterpart Identity) Conversation {
	var out Conversation
	e.do(func() {
		for _, conv := range e.dir.Conversations() {
			if conv.Kind == KindPairwise && conv.Counterpart.ID == counterpart.ID {
				out = conv
				return
			}
		}
		out = *e.dir.NewProvisional(KindPairwise, counterpart, "", nil)
	})
	return out
}

// CreateRoom registers a provisional room and asks the server to create it.
// On failure the provisional entry is rolled back.
func (e *Engine) CreateRoom(ctx context.Context, title string, participants []Identity) Conversation {
	var provisional Conversation
	e.do(func() {
		provisional = *e.dir.NewProvisional(KindRoom, Identity{}, title, participants)
	})

	go func() {
		ids := make([]string, len(participants))
		for i, p := range participants {
			ids[i] = p.ID
		}
		confirmed, err := e.client.CreateRoom(ctx, &CreateRoomRequest{Title: title, Participants: ids})
		if err != nil {
			e.logger.Errorf("room creation failed: %v", err)
			e.do(func() { e.dir.Remove(provisional.LocalID) })
			e.reportError(fmt.Errorf("creating room %q: %w", title, err))
			return
		}
		e.do(func() {
			if p := e.dir.ConfirmCreated(provisional.LocalID, confirmed); p != nil {
				e.promote(*p)
			}
			e.persistLog()
		})
	}()
	return provisional
}

// LeaveRoom removes the current actor from a room and drops it locally.
func (e *Engine) LeaveRoom(ctx context.Context, ref string) error {
	conv, ok := e.dir.Get(ref)
	if !ok || conv.Kind != KindRoom {
		return fmt.Errorf("unknown room %s", ref)
	}
	if conv.ID == "" {
		// Never confirmed; dropping it locally is the whole operation.
		e.do(func() { e.dir.Remove(conv.LocalID) })
		return nil
	}
	if err := e.client.LeaveRoom(ctx, conv.ID); err != nil {
		return err
	}
	e.do(func() {
		e.dir.Remove(conv.ID)
		e.persistLog()
	})
	return nil
}

// EditMessage edits a confirmed message server-side and applies the edit
// locally.
func (e *Engine) EditMessage(ctx context.Context, ref MessageRef, messageID, body string) error {
	if messageID == "" {
		return fmt.Errorf("cannot edit an unconfirmed message")
	}
	if err := e.client.EditMessage(ctx, ref.ConversationID, messageID, body); err != nil {
		return err
	}
	e.do(func() { e.store.Edit(ref, body) })
	return nil
}

// DeleteMessage tombstones a message server-side and locally.
func (e *Engine) DeleteMessage(ctx context.Context, ref MessageRef, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("cannot delete an unconfirmed message")
	}
	if err := e.client.DeleteMessage(ctx, ref.ConversationID, messageID); err != nil {
		return err
	}
	e.do(func() { e.store.Delete(ref, time.Now()) })
	return nil
}

// DeleteAttachment removes a message's attachment server-side and locally.
// Repeating it is a success no-op.
func (e *Engine) DeleteAttachment(ctx context.Context, ref MessageRef, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("cannot modify an unconfirmed message")
	}
	if err := e.client.DeleteAttachment(ctx, ref.ConversationID, messageID); err != nil {
		return err
	}
	e.do(func() { e.store.DeleteAttachment(ref) })
	return nil
}

// SetTyping announces the current actor's typing state for a conversation.
func (e *Engine) SetTyping(ctx context.Context, ref string, typing bool) {
	conv, ok := e.dir.Get(ref)
	if !ok || conv.ID == "" {
		return
	}
	err := e.conn.Send(ctx, map[string]interface{}{
		"type": "typing",
		"payload": wireTyping{
			ConversationID: conv.ID,
			ContactID:      e.session.Actor.ID,
			IsTyping:       typing,
		},
	})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		e.logger.Warnf("typing announce: %v", err)
	}
}

// ============================================================================
// Accessors
// ============================================================================

// Connection exposes the channel supervisor for state observation.
func (e *Engine) Connection() *Connection { return e.conn }

// Conversations returns the directory in display order.
func (e *Engine) Conversations() []Conversation { return e.dir.Conversations() }

// Messages returns one conversation's reconciled sequence.
func (e *Engine) Messages(ref string) []Message {
	if conv, ok := e.dir.Get(ref); ok {
		return e.store.Messages(conv.Ref())
	}
	return e.store.Messages(ref)
}

// Presence returns the cached contact statuses.
func (e *Engine) Presence() []PresenceEntry { return e.presence.Entries() }

// TypingContacts returns who is currently typing in a conversation.
func (e *Engine) TypingContacts(ref string) []string {
	var out []string
	e.do(func() {
		for contact := range e.typing[ref] {
			out = append(out, contact)
		}
	})
	return out
}

// ActivateNotification resolves a clicked notification to its conversation.
func (e *Engine) ActivateNotification(id string) (Conversation, bool) {
	return e.corr.Activate(id)
}

// DismissNotification discards a notification correlation without action.
func (e *Engine) DismissNotification(id string) {
	e.corr.Dismiss(id)
}

// SetMuted toggles the arrival-sound mute setting.
func (e *Engine) SetMuted(muted bool) {
	e.corr.SetMuted(muted)
}

// Attention plays the reserved attention cue for a message the surface deems
// urgent. It bypasses the mute setting; self-authored messages stay silent.
func (e *Engine) Attention(msg *Message) {
	e.corr.Attention(msg)
}

func (e *Engine) reportError(err error) {
	if e.onError != nil {
		e.onError(err)
	}
}

// ============================================================================
// Promotion
// ============================================================================

// promote retargets in-flight effects from a pending placeholder to its
// promoted server identifier. Runs on the loop; exactly once per promotion.
func (e *Engine) promote(p Promotion) {
	e.store.Retarget(p.LocalRef, p.ServerID)
	if e.openConv == p.LocalRef {
		e.openConv = p.ServerID
	}
	if contacts, ok := e.typing[p.LocalRef]; ok {
		e.typing[p.ServerID] = contacts
		delete(e.typing, p.LocalRef)
	}
	if queued, ok := e.pendingSends[p.LocalRef]; ok {
		delete(e.pendingSends, p.LocalRef)
		for _, send := range queued {
			go e.dispatchSend(context.Background(), p.ServerID, send.req)
		}
	}
}

func (e *Engine) persistLog() {
	if e.local == nil {
		return
	}
	if err := e.local.SaveConversations(e.dir.Conversations()); err != nil {
		e.logger.Warnf("persisting conversation log: %v", err)
	}
}
