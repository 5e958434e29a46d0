package conversync

import (
	"sort"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
)

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore maintains, per conversation, an ordered duplicate-free message
// sequence reconciling three provenances: bulk loads, pushed events, and
// optimistic local inserts.
//
// Push delivery is not ordered relative to pull refreshes, and a confirmation
// can lose a race against a fresh bulk reload; every reconciliation rule here
// is idempotent with respect to that. Malformed input is logged and ignored,
// never propagated: a dropped redundant record is self-healed by the next
// bulk reload, a duplicate visible message is not.
type MessageStore struct {
	mu     sync.RWMutex
	cfg    Config
	logger *log.Logger

	seqs map[string][]*Message // conversation ref -> ascending by timestamp
	ids  map[string]string     // server id or alias -> conversation ref
}

// NewMessageStore creates an empty store using cfg's dedup windows.
func NewMessageStore(cfg Config) *MessageStore {
	cfg.defaults()
	return &MessageStore{
		cfg:    cfg,
		logger: log.New("conversync.store"),
		seqs:   make(map[string][]*Message),
		ids:    make(map[string]string),
	}
}

// Insert reconciles one pushed or bulk-loaded record into its conversation.
func (s *MessageStore) Insert(msg *Message) {
	if msg == nil || msg.ConversationID == "" || msg.Timestamp.IsZero() {
		s.logger.Warn("ignoring malformed message record")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 1. Known server identifier (primary or alias): already stored.
	if msg.ID != "" {
		if _, seen := s.ids[msg.ID]; seen {
			return
		}
	}

	seq := s.seqs[msg.ConversationID]

	// 2. A non-optimistic record with the same author and body inside the
	// echo window is the same message delivered via a second path.
	for _, existing := range seq {
		if existing.Optimistic {
			continue
		}
		if sameAuthorBody(existing, msg) && within(existing.Timestamp, msg.Timestamp, s.cfg.EchoWindow) {
			if msg.ID != "" && existing.ID != "" && msg.ID != existing.ID {
				// Same record under a second identifier; remember the alias so
				// a later redelivery is caught at step 1.
				s.ids[msg.ID] = msg.ConversationID
			}
			return
		}
	}

	// 3. An optimistic record from the same author and body inside the grace
	// window is this message's unconfirmed twin: replace it in place.
	for i, existing := range seq {
		if !existing.Optimistic {
			continue
		}
		if sameAuthorBody(existing, msg) && within(existing.Timestamp, msg.Timestamp, s.cfg.OptimisticGrace) {
			confirmed := *msg
			confirmed.Optimistic = false
			if confirmed.ClientID == "" {
				confirmed.ClientID = existing.ClientID
			}
			seq[i] = &confirmed
			s.finishInsert(&confirmed)
			return
		}
	}

	// 4. Genuinely new.
	record := *msg
	s.seqs[msg.ConversationID] = append(seq, &record)
	s.finishInsert(&record)
}

// finishInsert indexes the record's id and restores timestamp order. Network
// order is not delivery order.
func (s *MessageStore) finishInsert(msg *Message) {
	if msg.ID != "" {
		s.ids[msg.ID] = msg.ConversationID
	}
	seq := s.seqs[msg.ConversationID]
	sort.SliceStable(seq, func(i, j int) bool {
		return seq[i].Timestamp.Before(seq[j].Timestamp)
	})
}

// InsertOptimistic stores a locally authored record ahead of server
// confirmation. It carries no server identifier; Insert reconciles the
// confirmed twin when it arrives.
func (s *MessageStore) InsertOptimistic(msg *Message) {
	if msg == nil || msg.ConversationID == "" || msg.Timestamp.IsZero() {
		s.logger.Warn("ignoring malformed optimistic record")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record := *msg
	record.ID = ""
	record.Optimistic = true
	s.seqs[record.ConversationID] = append(s.seqs[record.ConversationID], &record)
	s.finishInsert(&record)
}

// LoadBulk reconciles a full history load for one conversation. Each record
// goes through the normal insertion rules, so optimistic records survive and
// echoes are dropped regardless of whether the load or the push won the race.
func (s *MessageStore) LoadBulk(conversationID string, msgs []*Message) {
	for _, msg := range msgs {
		if msg != nil && msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		s.Insert(msg)
	}
}

// AddAlias records a second server identifier for an already-stored record,
// so redelivery under either identifier is discarded.
func (s *MessageStore) AddAlias(primaryID, aliasID string) {
	if primaryID == "" || aliasID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.ids[primaryID]; ok {
		s.ids[aliasID] = conv
	}
}

// Retarget moves a pending conversation's sequence to its promoted server
// identifier. Called exactly once per promotion.
func (s *MessageStore) Retarget(oldRef, newID string) {
	if oldRef == "" || newID == "" || oldRef == newID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.seqs[oldRef]
	if !ok {
		return
	}
	existing := s.seqs[newID]
	for _, msg := range seq {
		msg.ConversationID = newID
	}
	s.seqs[newID] = append(existing, seq...)
	delete(s.seqs, oldRef)
	sort.SliceStable(s.seqs[newID], func(i, j int) bool {
		return s.seqs[newID][i].Timestamp.Before(s.seqs[newID][j].Timestamp)
	})
	for id, conv := range s.ids {
		if conv == oldRef {
			s.ids[id] = newID
		}
	}
}

// Edit replaces a message body, archiving the original. Lookup is by
// (author, timestamp, conversation); the sequence is not re-sorted because
// the creation timestamp is unchanged.
func (s *MessageStore) Edit(ref MessageRef, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.locate(ref)
	if msg == nil {
		s.logger.Warnf("edit for unknown message in %s", ref.ConversationID)
		return
	}
	if !msg.Edited {
		msg.OriginalBody = msg.Body
	}
	msg.Body = body
	msg.Edited = true
}

// Delete tombstones a message, archiving the original body and recording the
// deletion time. The record stays in place.
func (s *MessageStore) Delete(ref MessageRef, deletedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.locate(ref)
	if msg == nil {
		s.logger.Warnf("delete for unknown message in %s", ref.ConversationID)
		return
	}
	if msg.Deleted {
		return
	}
	msg.OriginalBody = msg.Body
	msg.Body = ""
	msg.Deleted = true
	msg.DeletedAt = deletedAt
}

// DeleteAttachment nulls the media reference without touching message
// existence or body. Repeating it against an already-tombstoned attachment
// is a success no-op.
func (s *MessageStore) DeleteAttachment(ref MessageRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.locate(ref)
	if msg == nil {
		s.logger.Warnf("attachment delete for unknown message in %s", ref.ConversationID)
		return
	}
	msg.Attachment = nil
	msg.AttachmentDeleted = true
}

// Messages returns a copy of one conversation's sequence in ascending
// timestamp order.
func (s *MessageStore) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.seqs[conversationID]
	out := make([]Message, len(seq))
	for i, msg := range seq {
		out[i] = *msg
	}
	return out
}

// Len returns the number of records stored for one conversation.
func (s *MessageStore) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seqs[conversationID])
}

// locate finds a record by author and creation timestamp. Caller holds the
// lock.
func (s *MessageStore) locate(ref MessageRef) *Message {
	for _, msg := range s.seqs[ref.ConversationID] {
		if msg.Author.ID == ref.AuthorID && msg.Timestamp.Equal(ref.Timestamp) {
			return msg
		}
	}
	return nil
}

func sameAuthorBody(a, b *Message) bool {
	return a.Author.ID == b.Author.ID && a.Body == b.Body
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
