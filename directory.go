package conversync

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
)

// ============================================================================
// ConversationDirectory
// ============================================================================

// Promotion records a provisional conversation gaining its server identifier.
// The engine retargets in-flight effects (message sequences, open state) from
// LocalRef to ServerID exactly once per promotion.
type Promotion struct {
	LocalRef string
	ServerID string
}

// Directory merges server-confirmed and provisional conversations and keeps
// them ordered by most-recent activity.
type Directory struct {
	mu     sync.RWMutex
	logger *log.Logger
	self   Identity

	entries []*Conversation
	byRef   map[string]*Conversation // server id and local id both index here
}

// NewDirectory creates an empty directory for the given actor.
func NewDirectory(self Identity) *Directory {
	return &Directory{
		logger: log.New("conversync.directory"),
		self:   self,
		byRef:  make(map[string]*Conversation),
	}
}

// NewProvisional registers a local-only conversation ahead of server
// confirmation and returns it. Pairwise entries are keyed by counterpart for
// the refresh merge; rooms reconcile through ConfirmCreated.
func (d *Directory) NewProvisional(kind ConversationKind, counterpart Identity, title string, participants []Identity) *Conversation {
	conv := &Conversation{
		LocalID:      uuid.NewString(),
		Kind:         kind,
		Title:        title,
		Counterpart:  counterpart,
		Participants: participants,
		CreatedAt:    time.Now(),
		Pending:      true,
	}
	d.mu.Lock()
	d.entries = append(d.entries, conv)
	d.byRef[conv.LocalID] = conv
	d.resort()
	d.mu.Unlock()
	return conv
}

// Seed installs entries from the persisted conversation log verbatim. Used
// once at startup before the first server refresh.
func (d *Directory) Seed(convs []Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range convs {
		conv := convs[i]
		if conv.LocalID == "" {
			continue
		}
		if _, ok := d.byRef[conv.LocalID]; ok {
			continue
		}
		d.entries = append(d.entries, &conv)
	}
	d.reindex()
	d.resort()
}

// Remove drops an entry by server id or local id. Used when a room is left
// or a failed creation is rolled back.
func (d *Directory) Remove(ref string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.byRef[ref]
	if !ok {
		return
	}
	filtered := d.entries[:0]
	for _, c := range d.entries {
		if c != conv {
			filtered = append(filtered, c)
		}
	}
	d.entries = filtered
	d.reindex()
}

// Refresh reconciles a full server listing. Entries present in both take the
// server version as authoritative (local read state is kept); provisional
// entries absent from the listing are retained so they don't vanish before
// the server catches up. Returned promotions name provisional entries the
// listing confirmed.
func (d *Directory) Refresh(listing []*Conversation) []Promotion {
	d.mu.Lock()
	defer d.mu.Unlock()

	var promotions []Promotion
	merged := make([]*Conversation, 0, len(listing))
	seen := make(map[string]bool)

	for _, server := range listing {
		if server == nil || server.ID == "" {
			d.logger.Warn("ignoring listing entry without id")
			continue
		}
		entry := server
		if local, ok := d.byRef[server.ID]; ok {
			d.adopt(local, server)
			entry = local
		} else if match := d.findProvisional(server); match != nil {
			promotions = append(promotions, Promotion{LocalRef: match.LocalID, ServerID: server.ID})
			d.adopt(match, server)
			entry = match
		}
		merged = append(merged, entry)
		seen[entry.LocalID] = true
	}

	// Retain provisional entries the server doesn't know yet.
	for _, local := range d.entries {
		if local.Pending && !seen[local.LocalID] {
			merged = append(merged, local)
		}
	}

	d.entries = merged
	d.reindex()
	d.resort()
	return promotions
}

// adopt copies the server's authoritative fields onto the local entry,
// keeping local-only state: LocalID, last-viewed time, and the explicit
// unread counter.
func (d *Directory) adopt(local, server *Conversation) {
	local.ID = server.ID
	local.Kind = server.Kind
	local.Title = server.Title
	local.Counterpart = server.Counterpart
	local.Participants = server.Participants
	if server.LastBody != "" || !server.LastActivity.IsZero() {
		local.LastBody = server.LastBody
		local.LastAuthor = server.LastAuthor
		local.LastActivity = server.LastActivity
	}
	if !server.UpdatedAt.IsZero() {
		local.UpdatedAt = server.UpdatedAt
	}
	if !server.CreatedAt.IsZero() {
		local.CreatedAt = server.CreatedAt
	}
	local.Pending = false
}

// findProvisional matches a server entry against pending local entries. Only
// pairwise entries can match structurally (same counterpart); rooms are
// confirmed explicitly through ConfirmCreated.
func (d *Directory) findProvisional(server *Conversation) *Conversation {
	if server.Kind != KindPairwise {
		return nil
	}
	for _, local := range d.entries {
		if local.Pending && local.Kind == KindPairwise && local.Counterpart.ID == server.Counterpart.ID {
			return local
		}
	}
	return nil
}

// ConfirmCreated applies a creation confirmation to a provisional entry,
// replacing it in place at the same relative position when it still exists;
// otherwise the confirmed entry is inserted at the front.
func (d *Directory) ConfirmCreated(localRef string, confirmed *Conversation) *Promotion {
	if confirmed == nil || confirmed.ID == "" {
		d.logger.Warn("ignoring creation confirmation without id")
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if local, ok := d.byRef[localRef]; ok && local.Pending {
		d.adopt(local, confirmed)
		d.reindex()
		d.resort()
		return &Promotion{LocalRef: local.LocalID, ServerID: confirmed.ID}
	}

	// Provisional already gone (reconciled by a refresh, or never tracked).
	if _, ok := d.byRef[confirmed.ID]; ok {
		return nil
	}
	entry := *confirmed
	entry.LocalID = confirmed.ID
	d.entries = append([]*Conversation{&entry}, d.entries...)
	d.reindex()
	d.resort()
	return nil
}

// ApplyCreated inserts a conversation announced by a push event. Known
// conversations are updated rather than duplicated.
func (d *Directory) ApplyCreated(conv *Conversation) {
	if conv == nil || conv.ID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.byRef[conv.ID]; ok {
		d.adopt(existing, conv)
	} else if match := d.findProvisional(conv); match != nil {
		d.adopt(match, conv)
	} else {
		entry := *conv
		if entry.LocalID == "" {
			entry.LocalID = entry.ID
		}
		d.entries = append(d.entries, &entry)
	}
	d.reindex()
	d.resort()
}

// ApplyLastMessage updates a conversation's last-message summary. An update
// for an unknown conversation synthesizes a minimal entry reconciled on the
// next full refresh.
func (d *Directory) ApplyLastMessage(update *LastMessageUpdate) {
	if update == nil || update.ConversationID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	conv, ok := d.byRef[update.ConversationID]
	if !ok {
		conv = &Conversation{
			ID:      update.ConversationID,
			LocalID: update.ConversationID,
		}
		d.entries = append(d.entries, conv)
		d.byRef[conv.LocalID] = conv
	}
	conv.LastBody = update.Body
	conv.LastAuthor = update.Author
	conv.LastActivity = update.Timestamp
	conv.UpdatedAt = update.Timestamp
	d.resort()
}

// ApplyMessage folds an arriving message into the directory: last-message
// summary always, unread counter only for a foreign message while the
// conversation is not open.
func (d *Directory) ApplyMessage(msg *Message, open bool) {
	if msg == nil || msg.ConversationID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	conv, ok := d.byRef[msg.ConversationID]
	if !ok {
		conv = &Conversation{
			ID:      msg.ConversationID,
			LocalID: msg.ConversationID,
		}
		d.entries = append(d.entries, conv)
		d.byRef[conv.LocalID] = conv
	}
	if msg.Timestamp.After(conv.LastActivity) {
		conv.LastBody = msg.Body
		conv.LastAuthor = msg.Author
		conv.LastActivity = msg.Timestamp
	}
	if !d.isSelf(msg.Author) && !open {
		conv.Unread++
	}
	d.resort()
}

// Open clears the unread counter and persists the open time so unread state
// can also be derived from timestamps.
func (d *Directory) Open(ref string, now time.Time) *Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()

	conv, ok := d.byRef[ref]
	if !ok {
		return nil
	}
	conv.Unread = 0
	conv.LastViewedAt = now
	return conv
}

// HasUnread reports unread state: the explicit counter when present, the
// last-message versus last-viewed comparison as fallback.
func (d *Directory) HasUnread(ref string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conv, ok := d.byRef[ref]
	if !ok {
		return false
	}
	if conv.Unread > 0 {
		return true
	}
	if conv.LastActivity.IsZero() || d.isSelf(conv.LastAuthor) {
		return false
	}
	return conv.LastActivity.After(conv.LastViewedAt)
}

// Get returns a copy of one entry by server id or local id.
func (d *Directory) Get(ref string) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conv, ok := d.byRef[ref]
	if !ok {
		return Conversation{}, false
	}
	return *conv, true
}

// Conversations returns a copy of the directory in display order: descending
// by most-recent activity.
func (d *Directory) Conversations() []Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Conversation, len(d.entries))
	for i, conv := range d.entries {
		out[i] = *conv
	}
	return out
}

// isSelf preserves the observed display-name comparison for self-message
// suppression.
func (d *Directory) isSelf(author Identity) bool {
	return author.DisplayName != "" && author.DisplayName == d.self.DisplayName
}

// activityOf is the ordering key: last-message timestamp, then last-updated,
// then creation time.
func activityOf(c *Conversation) time.Time {
	if !c.LastActivity.IsZero() {
		return c.LastActivity
	}
	if !c.UpdatedAt.IsZero() {
		return c.UpdatedAt
	}
	return c.CreatedAt
}

// resort recomputes display order. Caller holds the lock.
func (d *Directory) resort() {
	sort.SliceStable(d.entries, func(i, j int) bool {
		return activityOf(d.entries[i]).After(activityOf(d.entries[j]))
	})
}

// reindex rebuilds the ref index. Caller holds the lock.
func (d *Directory) reindex() {
	d.byRef = make(map[string]*Conversation, len(d.entries))
	for _, conv := range d.entries {
		d.byRef[conv.LocalID] = conv
		if conv.ID != "" {
			d.byRef[conv.ID] = conv
		}
	}
}
