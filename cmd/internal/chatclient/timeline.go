package chatclient

import (
	"path"
	"strings"
	"time"

	v1 "duet/shared/contracts/realtime/v1"

	"github.com/gabriel-vasile/mimetype"
)

// Status is the local delivery state of a timeline entry.
type Status uint8

const (
	StatusPending Status = iota
	StatusSent
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one rendered message. TempID is set for entries that started as
// optimistic sends; Message.ID equals TempID until the entry is confirmed.
type Entry struct {
	TempID  string
	Message v1.Message
	Status  Status
	Err     error
}

// Draft is a message as typed by the user. Data is set for image and file
// messages, in which case FileName names the upload.
type Draft struct {
	Type     string
	Content  string
	FileName string
	Data     []byte
}

// normalized mirrors the server's draft handling so a pending entry carries
// the same reconciliation key as the message that confirms it.
func (d Draft) normalized() Draft {
	if d.Type == "" {
		d.Type = "text"
		if len(d.Data) > 0 {
			d.Type = "file"
			if isImage(mimetype.Detect(d.Data)) {
				d.Type = "image"
			}
		}
	}
	if hasAttachment(d.Type) {
		d.FileName = strings.TrimSpace(path.Base(strings.ReplaceAll(d.FileName, "\\", "/")))
	} else {
		d.Content = strings.TrimSpace(d.Content)
	}
	return d
}

func isImage(m *mimetype.MIME) bool {
	for _, ok := range []string{"image/jpeg", "image/png", "image/gif", "image/webp"} {
		if m.Is(ok) {
			return true
		}
	}
	return false
}

func hasAttachment(typ string) bool { return typ == "image" || typ == "file" }

// matchKey is the reconciliation identity of a message: sender, type and
// either the file name (attachments) or the content.
type matchKey struct {
	sender string
	typ    string
	body   string
}

func keyOf(m v1.Message) matchKey {
	k := matchKey{sender: m.SenderID, typ: m.Type, body: m.Content}
	if hasAttachment(m.Type) {
		k.body = m.FileName
	}
	return k
}

// timeline is the ordered entry list plus an index of confirmed IDs.
// It is not safe for concurrent use; Engine guards it.
type timeline struct {
	entries []*Entry
	byID    map[string]*Entry
}

func newTimeline() *timeline {
	return &timeline{byID: make(map[string]*Entry)}
}

func (t *timeline) has(id string) bool {
	_, ok := t.byID[id]
	return ok
}

func (t *timeline) indexOfTemp(tempID string) int {
	for i, e := range t.entries {
		if e.TempID == tempID && e.Message.ID == tempID {
			return i
		}
	}
	return -1
}

// oldestUnconfirmed returns the index of the oldest pending or failed entry
// whose key matches k.
func (t *timeline) oldestUnconfirmed(k matchKey) int {
	for i, e := range t.entries {
		if e.Status == StatusSent {
			continue
		}
		if keyOf(e.Message) == k {
			return i
		}
	}
	return -1
}

func (t *timeline) appendPending(e *Entry) {
	t.entries = append(t.entries, e)
}

// confirm replaces entry i with the persisted message.
func (t *timeline) confirm(i int, m v1.Message) {
	e := t.entries[i]
	e.Message = m
	e.Status = StatusSent
	e.Err = nil
	t.byID[m.ID] = e
}

func (t *timeline) remove(i int) {
	e := t.entries[i]
	if e.Status == StatusSent {
		delete(t.byID, e.Message.ID)
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
}

// insertConfirmed places m before the first confirmed entry created after it,
// keeping unconfirmed entries at the tail.
func (t *timeline) insertConfirmed(m v1.Message) {
	e := &Entry{Message: m, Status: StatusSent}
	pos := len(t.entries)
	for i, cur := range t.entries {
		if cur.Status != StatusSent || cur.Message.CreatedAt.After(m.CreatedAt) {
			pos = i
			break
		}
	}
	t.entries = append(t.entries, nil)
	copy(t.entries[pos+1:], t.entries[pos:])
	t.entries[pos] = e
	t.byID[m.ID] = e
}

// prepend adds an ascending page of older messages, skipping known IDs.
func (t *timeline) prepend(page []v1.Message) int {
	fresh := make([]*Entry, 0, len(page))
	for _, m := range page {
		if t.has(m.ID) {
			continue
		}
		e := &Entry{Message: m, Status: StatusSent}
		t.byID[m.ID] = e
		fresh = append(fresh, e)
	}
	t.entries = append(fresh, t.entries...)
	return len(fresh)
}

// oldestConfirmedAt is the pagination cursor.
func (t *timeline) oldestConfirmedAt() (time.Time, bool) {
	for _, e := range t.entries {
		if e.Status == StatusSent {
			return e.Message.CreatedAt, true
		}
	}
	return time.Time{}, false
}

func (t *timeline) snapshot() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}
