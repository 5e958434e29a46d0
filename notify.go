package conversync

import (
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
)

// ============================================================================
// Notifications
// ============================================================================

// Notification is handed to the system notification service.
type Notification struct {
	ID    string
	Title string
	Body  string
	Icon  string
	Tag   string
}

// Notifier is the system notification service.
type Notifier interface {
	Notify(n Notification) error
}

// SoundKind distinguishes the two notification sounds.
type SoundKind string

const (
	// SoundArrival is the ordinary new-message sound; it respects the mute
	// setting.
	SoundArrival SoundKind = "arrival"
	// SoundAttention is the reserved attention sound; it always plays.
	SoundAttention SoundKind = "attention"
)

// SoundPlayer plays notification sounds.
type SoundPlayer interface {
	Play(kind SoundKind)
}

// ============================================================================
// Correlator
// ============================================================================

// Correlator raises system notifications for background messages and resolves
// a later user activation back to a conversation. Correlations are ephemeral:
// discarded on activation, dismissal, or teardown.
type Correlator struct {
	mu       sync.Mutex
	self     Identity
	dir      *Directory
	notifier Notifier
	sounds   SoundPlayer
	navigate func(Conversation)
	logger   *log.Logger

	muted   bool
	pending map[string]string // notification id -> conversation ref
}

// NewCorrelator creates a correlator. notifier and sounds may be nil when the
// surface offers no notification service; navigate receives the resolved
// conversation on activation.
func NewCorrelator(self Identity, dir *Directory, notifier Notifier, sounds SoundPlayer, navigate func(Conversation)) *Correlator {
	return &Correlator{
		self:     self,
		dir:      dir,
		notifier: notifier,
		sounds:   sounds,
		navigate: navigate,
		logger:   log.New("conversync.notify"),
		pending:  make(map[string]string),
	}
}

// SetMuted toggles the arrival-sound mute setting. The attention sound is
// unaffected.
func (c *Correlator) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

// HandleMessage raises a notification for a foreign message arriving while
// the surface is not focused. Messages authored by the current actor raise
// nothing and play nothing.
func (c *Correlator) HandleMessage(msg *Message, focused bool) {
	if msg == nil || c.isSelf(msg.Author) {
		return
	}
	if focused {
		return
	}

	conv := c.resolve(msg.ConversationID)

	c.mu.Lock()
	muted := c.muted
	id := uuid.NewString()
	c.pending[id] = conv.Ref()
	c.mu.Unlock()

	if c.notifier != nil {
		title := conv.Title
		if title == "" {
			title = msg.Author.DisplayName
		}
		err := c.notifier.Notify(Notification{
			ID:    id,
			Title: title,
			Body:  msg.Body,
			Tag:   conv.Ref(),
		})
		if err != nil {
			c.logger.Warnf("raising notification: %v", err)
		}
	}
	if c.sounds != nil && !muted {
		c.sounds.Play(SoundArrival)
	}
}

// Attention plays the reserved attention sound for a foreign message. It
// bypasses the mute setting; self-authored messages are still suppressed.
func (c *Correlator) Attention(msg *Message) {
	if msg == nil || c.isSelf(msg.Author) {
		return
	}
	if c.sounds != nil {
		c.sounds.Play(SoundAttention)
	}
}

// Activate resolves a notification the user clicked back to its conversation,
// hands navigation to the presentation layer, and discards the correlation.
// Resolution is against the live directory, so a conversation confirmed since
// the notification was raised is preferred over the stale provisional
// reference.
func (c *Correlator) Activate(notificationID string) (Conversation, bool) {
	c.mu.Lock()
	ref, ok := c.pending[notificationID]
	delete(c.pending, notificationID)
	c.mu.Unlock()

	if !ok {
		return Conversation{}, false
	}
	conv := c.resolve(ref)
	if c.navigate != nil {
		c.navigate(conv)
	}
	return conv, true
}

// Dismiss discards a correlation without action.
func (c *Correlator) Dismiss(notificationID string) {
	c.mu.Lock()
	delete(c.pending, notificationID)
	c.mu.Unlock()
}

// Clear drops all correlations. Called on surface teardown.
func (c *Correlator) Clear() {
	c.mu.Lock()
	c.pending = make(map[string]string)
	c.mu.Unlock()
}

// Pending returns the number of live correlations.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// resolve looks the ref up in the directory, synthesizing a minimal
// provisional reference when the conversation is not known yet.
func (c *Correlator) resolve(ref string) Conversation {
	if conv, ok := c.dir.Get(ref); ok {
		return conv
	}
	return Conversation{ID: ref, LocalID: ref}
}

// isSelf preserves the observed display-name comparison.
func (c *Correlator) isSelf(author Identity) bool {
	return author.DisplayName != "" && author.DisplayName == c.self.DisplayName
}
