package smtp

import (
	"fmt"
	"io"
	"net"
	"time"
)

type ReplyLine struct {
	Code    int
	Message string
}

var (
	ReplyOK             = ReplyLine{250, "OK"}
	ReplyBadSyntax      = ReplyLine{501, "syntax error in parameters or arguments"}
	ReplyBadSequence    = ReplyLine{503, "bad sequence of commands"}
	ReplyNoSuchUser     = ReplyLine{550, "no such user here"}
	ReplyNotImplemented = ReplyLine{502, "command not implemented"}
	ReplyUnrecognized   = ReplyLine{500, "syntax error, command unrecognized"}
	ReplyStartData      = ReplyLine{354, "start mail input; end with <CRLF>.<CRLF>"}
	ReplyDeliveryFailed = ReplyLine{451, "requested action aborted: local error in processing"}
)

func (l ReplyLine) String() string {
	return fmt.Sprintf("%d %s", l.Code, l.Message)
}

// Envelope is one mail transaction: the sender and the recipients accepted
// so far and, after DATA, the message body. The sender address is carried
// verbatim; recipient addresses have been verified to exist.
type Envelope struct {
	RemoteAddr net.Addr
	MailFrom   string
	RcptTo     []string
	Data       []byte
	Received   time.Time
	ID         string
}

// WriteEnvelopeForDelivery synthesizes the stored form of a message: a
// From header, one To header per recipient, a Date header, then a blank
// line and the body as received.
func WriteEnvelopeForDelivery(w io.Writer, e Envelope) {
	fmt.Fprintf(w, "From: %s\r\n", e.MailFrom)
	for _, rcpt := range e.RcptTo {
		fmt.Fprintf(w, "To: %s\r\n", rcpt)
	}
	fmt.Fprintf(w, "Date: %s\r\n", e.Received.Format(time.RFC1123Z))
	fmt.Fprintf(w, "\r\n")
	w.Write(e.Data)
}

// Server provides the connection engine access to the mailbox store.
type Server interface {
	Name() string

	// VerifyAddress reports whether addr is a deliverable mailbox.
	// Unlike POP3 authentication, this check is intentionally
	// observable: recipient existence must be discoverable for routing.
	VerifyAddress(addr string) ReplyLine

	// DeliverMessage stores one independent copy of the envelope for
	// every recipient. A nil reply means the message was accepted.
	DeliverMessage(Envelope) *ReplyLine
}
