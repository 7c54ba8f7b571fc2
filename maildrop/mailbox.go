package maildrop

import (
	"io"
	"os"

	"go.uber.org/multierr"
)

// Message is one entry in a mailbox snapshot. The deleted flag is a
// session-local soft tag; the backing file is only removed by a purging
// Close.
type Message struct {
	path    string
	id      int
	size    int64
	deleted bool
}

func (m *Message) ID() int {
	return m.id
}

func (m *Message) Size() int {
	return int(m.size)
}

func (m *Message) Deleted() bool {
	return m.deleted
}

// Mailbox is an authenticated session's view of a maildrop: the message
// list as it stood at Open, 1-indexed, with indices that never change for
// the life of the session. Mail delivered after Open is not visible.
// A Mailbox is owned by a single session and is not safe for concurrent
// use.
type Mailbox struct {
	drop     *Maildrop
	messages []*Message
	closed   bool
}

// Messages returns every snapshot entry, tagged-deleted ones included.
func (mb *Mailbox) Messages() []*Message {
	return mb.messages
}

func (mb *Mailbox) Get(id int) (*Message, error) {
	if id < 1 || id > len(mb.messages) {
		return nil, ErrNoSuchMessage
	}
	return mb.messages[id-1], nil
}

func (mb *Mailbox) Retrieve(msg *Message) (io.ReadCloser, error) {
	return os.Open(msg.path)
}

// Delete tags msg for deletion at Close. The tag is reversible with
// Reset until then.
func (mb *Mailbox) Delete(msg *Message) error {
	if msg.deleted {
		return ErrMessageDeleted
	}
	msg.deleted = true
	return nil
}

// Reset removes the deletion tag from every message in the snapshot.
func (mb *Mailbox) Reset() {
	for _, msg := range mb.messages {
		msg.deleted = false
	}
}

// Close ends the session and releases the maildrop lock. When purge is
// true, messages still tagged deleted are permanently removed; removal is
// by exact file path, so mail delivered after the snapshot was taken is
// never disturbed. Close is idempotent.
func (mb *Mailbox) Close(purge bool) error {
	if mb.closed {
		return nil
	}
	mb.closed = true
	defer mb.drop.store.release(mb.drop.user.Name)

	if !purge {
		return nil
	}

	var err error
	for _, msg := range mb.messages {
		if msg.deleted {
			err = multierr.Append(err, os.Remove(msg.path))
		}
	}
	return err
}
