package conversync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

// newEngineServer serves the event channel upgrade at the root and delegates
// everything else to rest.
func newEngineServer(t *testing.T, rest http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			ws, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			defer ws.CloseNow()
			<-r.Context().Done()
			return
		}
		rest(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func emptyListHandler(w http.ResponseWriter, r *http.Request) {
	w.Write(okResponse([]interface{}{}))
}

func newTestEngine(t *testing.T, rest http.HandlerFunc, opts ...EngineOption) *Engine {
	t.Helper()
	if rest == nil {
		rest = emptyListHandler
	}
	srv := newEngineServer(t, rest)
	cfg := fastConfig(srv.URL)
	cfg.SessionAttempts = 1
	cfg.PresencePoll = time.Hour
	cfg.DirectoryPoll = time.Hour
	eng := NewEngine(cfg, testSessions(), opts...)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// Startup
// ============================================================================

func TestStartSession(t *testing.T) {
	t.Run("durably empty provider fails startup", func(t *testing.T) {
		cfg := Config{SessionAttempts: 2, SessionSpacing: time.Millisecond}
		eng := NewEngine(cfg, staticSessions{err: ErrNoSession})
		err := eng.Start(context.Background())
		if !errors.Is(err, ErrSessionUnavailable) {
			t.Fatalf("expected ErrSessionUnavailable, got %v", err)
		}
		// Close after a failed Start must not touch the unbuilt collaborators.
		eng.Close()
	})

	t.Run("unreachable channel does not fail startup", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				http.Error(w, "no channel", http.StatusServiceUnavailable)
				return
			}
			emptyListHandler(w, r)
		}))
		t.Cleanup(srv.Close)

		cfg := fastConfig(srv.URL)
		cfg.ReconnectAttempts = 1
		cfg.PresencePoll = time.Hour
		cfg.DirectoryPoll = time.Hour
		eng := NewEngine(cfg, testSessions())
		if err := eng.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		eng.Close()
	})
}

// ============================================================================
// Event application
// ============================================================================

func TestEngineEventFlow(t *testing.T) {
	eng := newTestEngine(t, nil)

	t.Run("message event lands in store and directory", func(t *testing.T) {
		eng.events <- Event{
			Kind:             EventMessage,
			ConversationKind: KindPairwise,
			Message: &Message{
				ID:             "msg-1",
				ConversationID: "conv-1",
				Author:         testAna,
				Body:           "hello there",
				Timestamp:      time.Now(),
			},
		}
		waitUntil(t, "message to land", func() bool {
			return len(eng.Messages("conv-1")) == 1
		})
		waitUntil(t, "directory entry", func() bool {
			for _, conv := range eng.Conversations() {
				if conv.ID == "conv-1" && conv.Unread == 1 {
					return true
				}
			}
			return false
		})
	})

	t.Run("presence push is applied", func(t *testing.T) {
		eng.events <- Event{
			Kind:     EventPresence,
			Presence: &PresenceEntry{ContactID: "user-ana", Status: StatusAway, UpdatedAt: time.Now()},
		}
		waitUntil(t, "presence entry", func() bool {
			for _, entry := range eng.Presence() {
				if entry.ContactID == "user-ana" && entry.Status == StatusAway {
					return true
				}
			}
			return false
		})
	})

	t.Run("typing tracked and expired", func(t *testing.T) {
		eng.events <- Event{
			Kind:   EventTyping,
			Typing: &TypingUpdate{ConversationID: "conv-1", ContactID: "user-ana", IsTyping: true},
		}
		waitUntil(t, "typing contact", func() bool {
			return len(eng.TypingContacts("conv-1")) == 1
		})

		eng.do(func() { eng.expireTyping(time.Now().Add(time.Hour)) })
		if got := eng.TypingContacts("conv-1"); len(got) != 0 {
			t.Fatalf("typing state survived expiry: %v", got)
		}
	})

	t.Run("edit and delete flow through the store", func(t *testing.T) {
		at := time.Now()
		eng.events <- Event{
			Kind:             EventMessage,
			ConversationKind: KindPairwise,
			Message: &Message{
				ID:             "msg-2",
				ConversationID: "conv-1",
				Author:         testAna,
				Body:           "tpyo",
				Timestamp:      at,
			},
		}
		waitUntil(t, "second message", func() bool {
			return len(eng.Messages("conv-1")) == 2
		})

		ref := MessageRef{ConversationID: "conv-1", AuthorID: testAna.ID, Timestamp: at}
		eng.events <- Event{Kind: EventMessageEdited, Edit: &MessageEdit{Ref: ref, Body: "typo"}}
		waitUntil(t, "edit applied", func() bool {
			for _, m := range eng.Messages("conv-1") {
				if m.ID == "msg-2" && m.Body == "typo" {
					return true
				}
			}
			return false
		})

		eng.events <- Event{Kind: EventMessageDeleted, Delete: &MessageDelete{Ref: ref, DeletedAt: time.Now()}}
		waitUntil(t, "tombstone", func() bool {
			for _, m := range eng.Messages("conv-1") {
				if m.ID == "msg-2" && m.Deleted {
					return true
				}
			}
			return false
		})
	})
}

// ============================================================================
// Sending
// ============================================================================

func TestEngineSend(t *testing.T) {
	t.Run("confirmed conversation posts immediately", func(t *testing.T) {
		var mu sync.Mutex
		var posted []SendMessageRequest

		eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages") {
				var req SendMessageRequest
				json.NewDecoder(r.Body).Decode(&req)
				mu.Lock()
				posted = append(posted, req)
				mu.Unlock()
				w.Write(okResponse(map[string]interface{}{
					"messageId":      "msg-srv-1",
					"conversationId": "conv-9",
					"authorId":       testAlice.ID,
					"authorName":     testAlice.DisplayName,
					"body":           req.Body,
					"timestamp":      time.Now().Format(time.RFC3339Nano),
				}))
				return
			}
			emptyListHandler(w, r)
		})
		eng.do(func() {
			eng.dir.ApplyCreated(serverConversation("conv-9", KindPairwise, testAna, time.Now()))
		})

		if err := eng.Send(context.Background(), "conv-9", "on my way", nil); err != nil {
			t.Fatalf("Send failed: %v", err)
		}

		waitUntil(t, "post to land", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(posted) == 1
		})
		waitUntil(t, "confirmed record", func() bool {
			msgs := eng.Messages("conv-9")
			return len(msgs) == 1 && msgs[0].ID == "msg-srv-1"
		})
		mu.Lock()
		if posted[0].ClientID == "" {
			t.Error("post carried no client id")
		}
		mu.Unlock()
	})

	t.Run("pending conversation queues until promotion", func(t *testing.T) {
		var mu sync.Mutex
		var posted []string // conversation ids posted to

		eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages") {
				parts := strings.Split(r.URL.Path, "/")
				mu.Lock()
				posted = append(posted, parts[len(parts)-2])
				mu.Unlock()
				w.Write(okResponse(map[string]interface{}{
					"messageId":      "msg-srv-2",
					"conversationId": "conv-77",
					"authorId":       testAlice.ID,
					"authorName":     testAlice.DisplayName,
					"body":           "hello",
					"timestamp":      time.Now().Format(time.RFC3339Nano),
				}))
				return
			}
			emptyListHandler(w, r)
		})

		provisional := eng.StartPairwise(testAna)
		if !provisional.Pending {
			t.Fatal("expected a pending conversation")
		}
		if err := eng.Send(context.Background(), provisional.LocalID, "hello", nil); err != nil {
			t.Fatalf("Send failed: %v", err)
		}

		// Nothing may be posted while the conversation is unconfirmed.
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		if len(posted) != 0 {
			mu.Unlock()
			t.Fatalf("pending send posted early: %v", posted)
		}
		mu.Unlock()

		eng.do(func() {
			for _, p := range eng.dir.Refresh([]*Conversation{
				serverConversation("conv-77", KindPairwise, testAna, time.Now()),
			}) {
				eng.promote(p)
			}
		})

		waitUntil(t, "queued send to flush", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(posted) == 1 && posted[0] == "conv-77"
		})
		waitUntil(t, "record under promoted id", func() bool {
			for _, m := range eng.Messages("conv-77") {
				if m.ID == "msg-srv-2" {
					return true
				}
			}
			return false
		})
	})

	t.Run("send failure reaches the error handler", func(t *testing.T) {
		reported := make(chan error, 1)
		eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages") {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write(errResponse("INTERNAL", "boom"))
				return
			}
			emptyListHandler(w, r)
		}, WithErrorHandler(func(err error) { reported <- err }))
		eng.do(func() {
			eng.dir.ApplyCreated(serverConversation("conv-3", KindPairwise, testAna, time.Now()))
		})

		if err := eng.Send(context.Background(), "conv-3", "hello?", nil); err != nil {
			t.Fatalf("Send failed: %v", err)
		}

		select {
		case err := <-reported:
			if err == nil {
				t.Fatal("nil error reported")
			}
		case <-time.After(3 * time.Second):
			t.Fatal("send failure never surfaced")
		}

		// The optimistic record stays, visibly unconfirmed.
		msgs := eng.Messages("conv-3")
		if len(msgs) != 1 || msgs[0].ID != "" {
			t.Fatalf("expected one unconfirmed record, got %+v", msgs)
		}
	})

	t.Run("unknown conversation rejected", func(t *testing.T) {
		eng := newTestEngine(t, nil)
		if err := eng.Send(context.Background(), "nope", "hi", nil); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("empty message rejected", func(t *testing.T) {
		eng := newTestEngine(t, nil)
		conv := eng.StartPairwise(testAna)
		if err := eng.Send(context.Background(), conv.LocalID, "", nil); err == nil {
			t.Fatal("expected an error")
		}
	})
}

// ============================================================================
// Surface hooks
// ============================================================================

func TestEngineSurfaceHooks(t *testing.T) {
	t.Run("observer sees applied events", func(t *testing.T) {
		observed := make(chan Event, 4)
		eng := newTestEngine(t, nil, WithEventObserver(func(ev Event) { observed <- ev }))

		eng.events <- Event{
			Kind:     EventPresence,
			Presence: &PresenceEntry{ContactID: "user-ana", Status: StatusAvailable, UpdatedAt: time.Now()},
		}

		select {
		case ev := <-observed:
			if ev.Kind != EventPresence {
				t.Fatalf("observed %s, want %s", ev.Kind, EventPresence)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("event never observed")
		}
	})

	t.Run("attention cue bypasses mute", func(t *testing.T) {
		sounds := &recordingSounds{}
		eng := newTestEngine(t, nil, WithSounds(sounds))
		eng.SetMuted(true)

		eng.Attention(&Message{ConversationID: "conv-1", Author: testAna, Body: "urgent", Timestamp: time.Now()})
		if len(sounds.played) != 1 || sounds.played[0] != SoundAttention {
			t.Fatalf("expected one attention sound, got %v", sounds.played)
		}

		// Self-authored stays silent even here.
		eng.Attention(&Message{ConversationID: "conv-1", Author: testAlice, Body: "mine", Timestamp: time.Now()})
		if len(sounds.played) != 1 {
			t.Fatalf("self-authored message played a sound: %v", sounds.played)
		}
	})

	t.Run("room creation failure surfaced and rolled back", func(t *testing.T) {
		reported := make(chan error, 1)
		eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/rooms") {
				w.WriteHeader(http.StatusBadRequest)
				w.Write(errResponse("INVALID", "no participants"))
				return
			}
			emptyListHandler(w, r)
		}, WithErrorHandler(func(err error) { reported <- err }))

		provisional := eng.CreateRoom(context.Background(), "Incident 12", nil)

		select {
		case err := <-reported:
			if err == nil {
				t.Fatal("nil error reported")
			}
		case <-time.After(3 * time.Second):
			t.Fatal("room failure never surfaced")
		}
		waitUntil(t, "provisional rollback", func() bool {
			for _, conv := range eng.Conversations() {
				if conv.LocalID == provisional.LocalID {
					return false
				}
			}
			return true
		})
	})
}

// ============================================================================
// Opening conversations
// ============================================================================

func TestOpenConversation(t *testing.T) {
	var mu sync.Mutex
	var readMarks []string

	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/read") {
			parts := strings.Split(r.URL.Path, "/")
			mu.Lock()
			readMarks = append(readMarks, parts[len(parts)-2])
			mu.Unlock()
			w.Write(okResponse(map[string]interface{}{}))
			return
		}
		emptyListHandler(w, r)
	})

	eng.do(func() {
		eng.dir.ApplyCreated(serverConversation("conv-5", KindPairwise, testAna, time.Now()))
	})
	eng.events <- Event{
		Kind:             EventMessage,
		ConversationKind: KindPairwise,
		Message: &Message{
			ID:             "msg-7",
			ConversationID: "conv-5",
			Author:         testAna,
			Body:           "ping",
			Timestamp:      time.Now(),
		},
	}
	waitUntil(t, "unread counter", func() bool {
		for _, conv := range eng.Conversations() {
			if conv.ID == "conv-5" && conv.Unread == 1 {
				return true
			}
		}
		return false
	})

	eng.OpenConversation(context.Background(), "conv-5")

	waitUntil(t, "unread cleared", func() bool {
		for _, conv := range eng.Conversations() {
			if conv.ID == "conv-5" {
				return conv.Unread == 0
			}
		}
		return false
	})
	waitUntil(t, "read mark", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(readMarks) == 1 && readMarks[0] == "conv-5"
	})

	// Further arrivals to the open conversation stay read.
	eng.events <- Event{
		Kind:             EventMessage,
		ConversationKind: KindPairwise,
		Message: &Message{
			ID:             "msg-8",
			ConversationID: "conv-5",
			Author:         testAna,
			Body:           "ping again",
			Timestamp:      time.Now(),
		},
	}
	waitUntil(t, "second message", func() bool {
		return len(eng.Messages("conv-5")) == 2
	})
	for _, conv := range eng.Conversations() {
		if conv.ID == "conv-5" && conv.Unread != 0 {
			t.Fatalf("open conversation accrued unread %d", conv.Unread)
		}
	}
}
