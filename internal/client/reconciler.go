package client

import (
	"sort"
	"sync"
	"time"

	"sohbet/internal/models"
)

// Status is the UI-visible delivery state of a message authored locally.
type Status string

const (
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
)

func statusRank(s Status) int {
	switch s {
	case StatusSending:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	}
	return 0
}

// maxStatus keeps the status machine monotonic: sending → delivered → seen,
// never backwards.
func maxStatus(a, b Status) Status {
	if statusRank(b) > statusRank(a) {
		return b
	}
	return a
}

// Entry is one message in the client's merged view.
type Entry struct {
	models.Message
	Status Status
}

// BottomThreshold is how close to the bottom of the message list the viewport
// must be before read receipts are emitted.
const BottomThreshold = 120

// Reconciler merges history pushes, room broadcasts and the client's own
// optimistic sends into one ordered view with no duplicate permanent ids.
// Merging is idempotent and commutative with respect
// to already-known ids, so a reconnect can replay the join sequence over
// existing state.
type Reconciler struct {
	self         string
	entries      []*Entry
	byID         map[string]*Entry
	lastReadEmit int64
	now          func() time.Time
	mu           sync.Mutex
}

func NewReconciler(self string) *Reconciler {
	return &Reconciler{
		self: self,
		byID: make(map[string]*Entry),
		now:  time.Now,
	}
}

// resort orders by CreatedAt. The sort is stable, so entries with equal
// timestamps keep their insertion order.
func (r *Reconciler) resort() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].CreatedAt < r.entries[j].CreatedAt
	})
}

// serverStatus derives the status of a server-confirmed message: own messages
// are at least delivered, and seen once a recipient acknowledged them.
func (r *Reconciler) serverStatus(msg models.Message) Status {
	if msg.System || msg.Username != r.self {
		return ""
	}
	if msg.ReadAt != 0 {
		return StatusSeen
	}
	return StatusDelivered
}

func (r *Reconciler) upsert(msg models.Message) {
	if e, ok := r.byID[msg.ID]; ok {
		status := maxStatus(e.Status, r.serverStatus(msg))
		e.Message = msg
		e.Status = status
		return
	}
	e := &Entry{Message: msg, Status: r.serverStatus(msg)}
	r.entries = append(r.entries, e)
	r.byID[msg.ID] = e
}

func (r *Reconciler) remove(id string) {
	e, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	for i := range r.entries {
		if r.entries[i] == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
}

// AddLocal records an optimistic local send. The entry's id is the
// correlation id until the server's record arrives.
func (r *Reconciler) AddLocal(clientID, room, text, replyTo string, preview *models.ReplyPreview) models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := models.Message{
		ID:           clientID,
		ClientID:     clientID,
		Room:         room,
		Username:     r.self,
		Text:         text,
		ReplyTo:      replyTo,
		ReplyPreview: preview,
		CreatedAt:    r.now().UnixMilli(),
	}
	e := &Entry{Message: msg, Status: StatusSending}
	r.entries = append(r.entries, e)
	r.byID[clientID] = e
	r.resort()
	return msg
}

// MergeHistory merges a history push into the view.
func (r *Reconciler) MergeHistory(msgs []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		r.upsert(msg)
	}
	r.resort()
}

// ApplyNew merges one room broadcast. When the broadcast carries the
// correlation id of a local placeholder, the placeholder is replaced in
// place, unless the permanent id is already known, in which case the
// placeholder is discarded. The permanent id always wins; at most one entry
// exists per logical message.
func (r *Reconciler) ApplyNew(msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		return
	}

	if msg.ClientID != "" && msg.ClientID != msg.ID {
		if placeholder, ok := r.byID[msg.ClientID]; ok {
			if _, exists := r.byID[msg.ID]; exists {
				r.remove(msg.ClientID)
				r.resort()
				return
			}
			status := maxStatus(placeholder.Status, StatusDelivered)
			delete(r.byID, msg.ClientID)
			placeholder.Message = msg
			placeholder.Status = status
			r.byID[msg.ID] = placeholder
			r.resort()
			return
		}
	}

	r.upsert(msg)
	r.resort()
}

// ApplyDelivered processes the private delivery acknowledgment. It commutes
// with ApplyNew: whichever arrives first promotes the placeholder, the other
// collapses any remaining duplicate.
func (r *Reconciler) ApplyDelivered(clientID, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if messageID == "" {
		return
	}

	if clientID == "" {
		if e, ok := r.byID[messageID]; ok {
			e.Status = maxStatus(e.Status, StatusDelivered)
		}
		return
	}

	if _, exists := r.byID[messageID]; exists {
		// Broadcast already won, drop the leftover placeholder.
		r.remove(clientID)
		return
	}

	if e, ok := r.byID[clientID]; ok {
		delete(r.byID, clientID)
		e.ID = messageID
		r.byID[messageID] = e
		e.Status = maxStatus(e.Status, StatusDelivered)
	}
}

// ApplySeen promotes this client's own messages up to the read timestamp.
func (r *Reconciler) ApplySeen(readUpTo, readAt int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if readUpTo == 0 {
		return
	}
	for _, e := range r.entries {
		if e.System || e.Username != r.self {
			continue
		}
		if e.CreatedAt <= readUpTo {
			e.Status = maxStatus(e.Status, StatusSeen)
			if e.ReadAt == 0 {
				e.ReadAt = readAt
			}
		}
	}
}

// ApplyEdited updates a message body after an edit broadcast.
func (r *Reconciler) ApplyEdited(msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[msg.ID]
	if !ok {
		return
	}
	e.Text = msg.Text
	e.EditedAt = msg.EditedAt
	e.ReplyPreview = msg.ReplyPreview
}

// ApplyTombstone marks a message deleted for everyone.
func (r *Reconciler) ApplyTombstone(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[messageID]
	if !ok {
		return
	}
	e.DeletedForAll = true
	e.Text = models.DeletedPlaceholder
	e.ReplyPreview = nil
}

// ApplyHidden removes a message this user deleted for themselves.
func (r *Reconciler) ApplyHidden(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.remove(messageID)
}

// Entries returns a snapshot of the merged, ordered view.
func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = *e
	}
	return out
}

func (r *Reconciler) computeReadUpTo() int64 {
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if !e.System && e.Username != "" && e.Username != r.self {
			return e.CreatedAt
		}
	}
	return 0
}

// ReadUpToEmit decides whether a read receipt should be emitted given the
// viewport's distance from the bottom of the message list. It returns a
// timestamp only when the viewport is near the bottom and the newest foreign
// message differs from the last receipt emitted, which keeps an active reader
// from producing a receipt storm.
func (r *Reconciler) ReadUpToEmit(distanceFromBottom int) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if distanceFromBottom >= BottomThreshold {
		return 0, false
	}
	upTo := r.computeReadUpTo()
	if upTo == 0 || upTo == r.lastReadEmit {
		return 0, false
	}
	r.lastReadEmit = upTo
	return upTo, true
}

// ResetReadEmit clears the receipt suppression state. Called on reconnect so
// the replayed join sequence re-acknowledges the current position.
func (r *Reconciler) ResetReadEmit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastReadEmit = 0
}
