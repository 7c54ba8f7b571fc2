package pop3

import (
	"io"
)

type Message interface {
	ID() int
	Size() int
	Deleted() bool
}

type Mailbox interface {
	ListMessages() ([]Message, error)
	GetMessage(int) Message
	Retrieve(Message) (io.ReadCloser, error)
	Delete(Message) error
	Reset()
	// Close ends the session and releases the maildrop. When purge is
	// true, messages still tagged deleted are permanently removed.
	Close(purge bool) error
}

type PostOffice interface {
	Name() string
	OpenMailbox(user, pass string) (Mailbox, error)
}
