package pop3

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

type state int

const (
	stateAuth state = iota
	stateTxn
	stateUpdate
)

const (
	errState      = "command not valid in this state"
	errAuthFailed = "authentication failed"
)

type connection struct {
	po PostOffice
	mb Mailbox

	tp *textproto.Conn

	log *zap.Logger

	state
	args string

	user string
}

// AcceptConnection implements a POP3 server connection, parsing the client
// requests sent over netConn and providing access to the mailboxes in the
// specified PostOffice. It returns when the client disconnects, a read
// fails, or QUIT completes; the maildrop lock is released on every path.
func AcceptConnection(netConn net.Conn, po PostOffice, log *zap.Logger) {
	log = log.With(zap.Stringer("client", netConn.RemoteAddr()))
	conn := connection{
		po:    po,
		tp:    textproto.NewConn(netConn),
		state: stateAuth,
		log:   log,
	}

	conn.log.Info("accepted connection")
	conn.ok(fmt.Sprintf("POP3 server %s ready", po.Name()))

	for conn.state != stateUpdate {
		line, err := conn.tp.ReadLine()
		if err != nil {
			conn.log.Error("ReadLine()", zap.Error(err))
			break
		}
		if line == "" {
			continue
		}

		var cmd string
		cmd, conn.args = splitCommand(line)
		conn.log = log.With(zap.String("command", cmd))

		switch cmd {
		case "QUIT":
			conn.doQUIT()
		case "USER":
			conn.doUSER()
		case "PASS":
			conn.doPASS()
		case "STAT":
			conn.doSTAT()
		case "LIST":
			conn.doLIST()
		case "RETR":
			conn.doRETR()
		case "DELE":
			conn.doDELE()
		case "NOOP":
			conn.doNOOP()
		case "RSET":
			conn.doRSET()
		default:
			conn.err("unknown command")
		}
	}

	if conn.mb != nil {
		// Dropped connection before QUIT: release the maildrop without
		// purging anything.
		conn.mb.Close(false)
		conn.mb = nil
	}
	conn.tp.Close()
}

// splitCommand separates a request line into its verb, uppercased, and
// the raw remainder.
func splitCommand(line string) (string, string) {
	verb, args, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), args
}

func (conn *connection) ok(msg string) {
	conn.log.Info("ok", zap.String("reply", msg))
	if len(msg) > 0 {
		msg = " " + msg
	}
	conn.tp.PrintfLine("+OK%s", msg)
}

func (conn *connection) err(msg string) {
	conn.log.Error("error", zap.String("reply", msg))
	conn.tp.PrintfLine("-ERR %s", msg)
}

func (conn *connection) doQUIT() {
	if conn.state == stateTxn {
		// The UPDATE commit: purge everything still tagged deleted.
		if err := conn.mb.Close(true); err != nil {
			conn.log.Error("failed to purge messages", zap.Error(err))
		}
		conn.mb = nil
	}
	conn.state = stateUpdate
	conn.ok("POP3 server signing off")
}

func (conn *connection) doUSER() {
	if conn.state != stateAuth {
		conn.err(errState)
		return
	}

	if len(conn.args) == 0 {
		conn.err("missing username")
		return
	}

	// Accepted regardless of whether the user exists; existence is only
	// revealed (uniformly) at PASS.
	conn.user = strings.TrimSpace(conn.args)
	conn.ok("user accepted")
}

func (conn *connection) doPASS() {
	if conn.state != stateAuth {
		conn.err(errState)
		return
	}

	if len(conn.user) == 0 {
		conn.err("USER required first")
		return
	}

	if len(conn.args) == 0 {
		conn.err("missing password")
		return
	}

	mbox, err := conn.po.OpenMailbox(conn.user, conn.args)
	if err != nil {
		// One reply for every failure mode, so account existence cannot
		// be probed.
		conn.log.Error("failed to open mailbox", zap.Error(err))
		conn.user = ""
		conn.err(errAuthFailed)
		return
	}

	conn.log.Info("authenticated", zap.String("user", conn.user))
	conn.state = stateTxn
	conn.mb = mbox
	conn.ok("mailbox locked and ready")
}

func (conn *connection) doSTAT() {
	if conn.state != stateTxn {
		conn.err(errState)
		return
	}

	num, size, err := conn.scanListing()
	if err != nil {
		return
	}

	conn.ok(fmt.Sprintf("%d %d", num, size))
}

func (conn *connection) doLIST() {
	if conn.state != stateTxn {
		conn.err(errState)
		return
	}

	if len(conn.args) > 0 {
		msg := conn.getRequestedMessage()
		if msg == nil {
			return
		}
		if msg.Deleted() {
			conn.err(fmt.Sprintf("message %d has been deleted", msg.ID()))
			return
		}
		conn.ok(fmt.Sprintf("%d %d", msg.ID(), msg.Size()))
		return
	}

	msgs, err := conn.mb.ListMessages()
	if err != nil {
		conn.log.Error("failed to list messages", zap.Error(err))
		conn.err(err.Error())
		return
	}

	num := 0
	size := 0
	for _, msg := range msgs {
		if msg.Deleted() {
			continue
		}
		size += msg.Size()
		num++
	}

	conn.ok(fmt.Sprintf("%d messages (%d octets)", num, size))
	for _, msg := range msgs {
		if msg.Deleted() {
			continue
		}
		conn.tp.PrintfLine("%d %d", msg.ID(), msg.Size())
	}
	conn.tp.PrintfLine(".")
}

func (conn *connection) doRETR() {
	if conn.state != stateTxn {
		conn.err(errState)
		return
	}

	msg := conn.getRequestedMessage()
	if msg == nil {
		return
	}

	if msg.Deleted() {
		conn.err(fmt.Sprintf("message %d has been deleted", msg.ID()))
		return
	}

	rc, err := conn.mb.Retrieve(msg)
	if err != nil {
		conn.log.Error("failed to retrieve message", zap.Error(err))
		conn.err("error reading message")
		return
	}
	defer rc.Close()

	conn.log.Info("retrieve message", zap.Int("id", msg.ID()))
	conn.ok(fmt.Sprintf("%d octets", msg.Size()))

	// DotWriter applies the byte-stuffing and the terminating period.
	w := conn.tp.DotWriter()
	io.Copy(w, rc)
	w.Close()
}

func (conn *connection) doDELE() {
	if conn.state != stateTxn {
		conn.err(errState)
		return
	}

	msg := conn.getRequestedMessage()
	if msg == nil {
		return
	}

	if msg.Deleted() {
		conn.err(fmt.Sprintf("message %d already deleted", msg.ID()))
		return
	}

	if err := conn.mb.Delete(msg); err != nil {
		conn.log.Error("failed to delete message", zap.Error(err))
		conn.err(err.Error())
		return
	}

	conn.log.Info("delete message", zap.Int("id", msg.ID()))
	conn.ok(fmt.Sprintf("message %d deleted", msg.ID()))
}

func (conn *connection) doRSET() {
	if conn.state != stateTxn {
		conn.err(errState)
		return
	}

	conn.mb.Reset()

	num, _, err := conn.scanListing()
	if err != nil {
		return
	}

	conn.log.Info("reset")
	conn.ok(fmt.Sprintf("maildrop has %d messages", num))
}

func (conn *connection) doNOOP() {
	if conn.state != stateTxn {
		conn.err(errState)
		return
	}
	conn.ok("")
}

// scanListing totals the non-deleted messages in the snapshot. On failure
// the error has already been reported to the client.
func (conn *connection) scanListing() (num, size int, err error) {
	msgs, err := conn.mb.ListMessages()
	if err != nil {
		conn.log.Error("failed to list messages", zap.Error(err))
		conn.err(err.Error())
		return 0, 0, err
	}

	for _, msg := range msgs {
		if msg.Deleted() {
			continue
		}
		size += msg.Size()
		num++
	}
	return num, size, nil
}

// getRequestedMessage parses the message-number argument and resolves it
// against the snapshot. A malformed number and an out-of-range index are
// distinct, separately reported errors.
func (conn *connection) getRequestedMessage() Message {
	idx, err := strconv.Atoi(strings.TrimSpace(conn.args))
	if err != nil {
		conn.err("invalid message number")
		return nil
	}

	msg := conn.mb.GetMessage(idx)
	if msg == nil {
		conn.err("no such message")
		return nil
	}
	return msg
}
