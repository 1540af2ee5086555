package peer

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/mentorlink/pairsignal/pkg/types"
)

// Document is the shared editor state of a session: one text buffer and one language
// tag, each converging by last-writer-wins. An incoming value replaces the local one
// wholesale unless it is identical. Concurrent edits can overwrite each other.
type Document struct {
	mu       sync.Mutex
	content  string
	language string
	// last content exchanged with peers, either sent or applied
	synced string
	// set while a remote value is handed to observers
	applying bool

	debounced func(f func())
	broadcast func(types.DataMessage)
	onChange  func(content, language string)
}

// NewDocument creates a document; local edits are coalesced for the debounce window.
func NewDocument(content, language string, window time.Duration) *Document {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Document{
		content:   content,
		language:  language,
		synced:    content,
		debounced: debounce.New(window),
	}
}

// OnChange hooks an observer for remote updates (the local editor). The observer may
// call LocalEdit; such echoes are not re-broadcast.
func (d *Document) OnChange(f func(content, language string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = f
}

func (d *Document) setBroadcaster(f func(types.DataMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcast = f
}

// Snapshot returns the current buffer and language.
func (d *Document) Snapshot() (content, language string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content, d.language
}

// LocalEdit replaces the buffer with a local edit and schedules a debounced broadcast
// of the whole buffer.
func (d *Document) LocalEdit(content string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.content = content
	if d.applying {
		return
	}
	d.debounced(d.flush)
}

// flush broadcasts the buffer if it differs from what peers last saw.
func (d *Document) flush() {
	d.mu.Lock()
	if d.content == d.synced || d.broadcast == nil {
		d.mu.Unlock()
		return
	}
	d.synced = d.content
	content, send := d.content, d.broadcast
	d.mu.Unlock()

	send(types.DataCode{Content: content})
}

// SetLanguage changes the language locally and broadcasts it immediately.
func (d *Document) SetLanguage(language string) {
	d.mu.Lock()
	if d.applying || d.language == language {
		d.language = language
		d.mu.Unlock()
		return
	}
	d.language = language
	send := d.broadcast
	d.mu.Unlock()

	if send != nil {
		send(types.DataLang{Lang: language})
	}
}

// ApplyRemoteCode replaces the buffer with a peer's buffer. It reports whether the
// local buffer changed.
func (d *Document) ApplyRemoteCode(content string) bool {
	d.mu.Lock()
	d.synced = content
	if d.content == content {
		d.mu.Unlock()
		return false
	}
	d.content = content
	d.notifyLocked()
	return true
}

// ApplyRemoteLang replaces the language with a peer's language. It reports whether
// the local language changed.
func (d *Document) ApplyRemoteLang(language string) bool {
	d.mu.Lock()
	if d.language == language {
		d.mu.Unlock()
		return false
	}
	d.language = language
	d.notifyLocked()
	return true
}

// notifyLocked hands the new state to the observer with the applying flag raised.
// Called with d.mu held; returns with it released.
func (d *Document) notifyLocked() {
	observer := d.onChange
	content, language := d.content, d.language
	if observer == nil {
		d.mu.Unlock()
		return
	}
	d.applying = true
	d.mu.Unlock()

	observer(content, language)

	d.mu.Lock()
	d.applying = false
	d.mu.Unlock()
}

// state returns the messages that transfer the document to a newly opened channel.
func (d *Document) state() []types.DataMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return []types.DataMessage{
		types.DataLang{Lang: d.language},
		types.DataCode{Content: d.content},
	}
}
