package maildrop

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

const (
	msgExt = ".msg"
	tmpExt = ".tmp"
)

// Writer accumulates one message and, on Close, publishes an independent
// copy into every recipient maildrop. Each copy is written to a temporary
// file and renamed into place, so a concurrent reader never observes
// partial content. Delivery to one recipient failing does not abort the
// others.
type Writer struct {
	recipients []*Maildrop
	buf        bytes.Buffer
	closed     bool
}

func NewWriter(recipients []*Maildrop) *Writer {
	return &Writer{recipients: recipients}
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

// Close delivers the accumulated bytes to every recipient. Per-recipient
// failures are aggregated into the returned error.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	for _, rcpt := range w.recipients {
		err = multierr.Append(err, w.deliver(rcpt))
	}
	return err
}

func (w *Writer) deliver(rcpt *Maildrop) error {
	id := uuid.NewString()
	tmp := filepath.Join(rcpt.dir(), id+tmpExt)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", rcpt.Name(), err)
	}
	if _, err := f.Write(w.buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("deliver to %s: %w", rcpt.Name(), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("deliver to %s: %w", rcpt.Name(), err)
	}

	// Rename within one directory is the atomic publish point.
	if err := os.Rename(tmp, filepath.Join(rcpt.dir(), id+msgExt)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("deliver to %s: %w", rcpt.Name(), err)
	}
	return nil
}
