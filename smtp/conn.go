package smtp

import (
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Verbs defined by RFC 5321 and common extensions that this server
// recognizes but does not implement. They get a 502, distinct from the
// 500 an unknown verb gets.
var notImplemented = map[string]bool{
	"EXPN":     true,
	"HELP":     true,
	"TURN":     true,
	"ATRN":     true,
	"SIZE":     true,
	"ETRN":     true,
	"STARTTLS": true,
	"AUTH":     true,
	"BDAT":     true,
	"CHUNKING": true,
}

type connection struct {
	server Server

	tp         *textproto.Conn
	remoteAddr net.Addr

	log *zap.Logger

	// identified is set by HELO/EHLO and survives RSET and delivery.
	identified bool

	// The envelope in progress. haveFrom distinguishes "no sender yet"
	// from the legal empty reverse-path.
	haveFrom bool
	mailFrom string
	rcptTo   []string

	// dataMode routes incoming lines into body instead of the command
	// dispatcher.
	dataMode bool
	body     strings.Builder

	args string
}

// AcceptConnection implements an SMTP server connection, accepting mail
// from the client on netConn for delivery through the Server callbacks.
// It returns when the client disconnects, a read fails, or QUIT is
// processed.
func AcceptConnection(netConn net.Conn, server Server, log *zap.Logger) {
	log = log.With(zap.Stringer("client", netConn.RemoteAddr()))
	conn := connection{
		server:     server,
		tp:         textproto.NewConn(netConn),
		remoteAddr: netConn.RemoteAddr(),
		log:        log,
	}
	defer conn.tp.Close()

	conn.log.Info("accepted connection")
	conn.writeReply(ReplyLine{220, fmt.Sprintf("%s (postdrop) SMTP server ready", server.Name())})

	for {
		line, err := conn.tp.ReadLine()
		if err != nil {
			conn.log.Error("ReadLine()", zap.Error(err))
			return
		}

		if conn.dataMode {
			conn.handleData(line)
			continue
		}

		if line == "" {
			continue
		}

		var cmd string
		cmd, conn.args = splitCommand(line)
		conn.log = log.With(zap.String("command", cmd))

		switch cmd {
		case "HELO", "EHLO":
			conn.doHELO()
		case "MAIL":
			conn.doMAIL()
		case "RCPT":
			conn.doRCPT()
		case "DATA":
			conn.doDATA()
		case "RSET":
			conn.doRSET()
		case "VRFY":
			conn.doVRFY()
		case "NOOP":
			conn.doNOOP()
		case "QUIT":
			conn.doQUIT()
			return
		default:
			if notImplemented[cmd] {
				conn.writeReply(ReplyNotImplemented)
			} else {
				conn.writeReply(ReplyUnrecognized)
			}
		}
	}
}

// splitCommand separates a request line into its verb, uppercased, and
// the raw remainder.
func splitCommand(line string) (string, string) {
	verb, args, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), args
}

func trimAngleBrackets(addr string) string {
	if strings.HasPrefix(addr, "<") && strings.HasSuffix(addr, ">") {
		return addr[1 : len(addr)-1]
	}
	return addr
}

func (conn *connection) writeReply(reply ReplyLine) {
	conn.log.Info("reply", zap.Int("code", reply.Code))
	conn.tp.PrintfLine("%d %s", reply.Code, reply.Message)
}

// resetEnvelope clears the transaction in progress. Identification is
// kept; HELO/EHLO state is not part of the envelope.
func (conn *connection) resetEnvelope() {
	conn.haveFrom = false
	conn.mailFrom = ""
	conn.rcptTo = nil
	conn.dataMode = false
	conn.body.Reset()
}

func (conn *connection) doHELO() {
	if len(conn.args) == 0 {
		conn.writeReply(ReplyBadSyntax)
		return
	}

	conn.resetEnvelope()
	conn.identified = true

	conn.log.Info("identified", zap.String("domain", conn.args))
	conn.writeReply(ReplyLine{250, fmt.Sprintf("%s greets %s", conn.server.Name(), conn.args)})
}

func (conn *connection) doMAIL() {
	if !strings.HasPrefix(strings.ToUpper(conn.args), "FROM:") {
		conn.writeReply(ReplyBadSyntax)
		return
	}

	// A sender may only be set once per envelope, and only after the
	// client has identified itself.
	if !conn.identified || conn.haveFrom {
		conn.writeReply(ReplyBadSequence)
		return
	}

	conn.mailFrom = trimAngleBrackets(strings.TrimSpace(conn.args[len("FROM:"):]))
	conn.haveFrom = true
	conn.rcptTo = nil

	conn.writeReply(ReplyOK)
}

func (conn *connection) doRCPT() {
	if !strings.HasPrefix(strings.ToUpper(conn.args), "TO:") {
		conn.writeReply(ReplyBadSyntax)
		return
	}

	if !conn.haveFrom {
		conn.writeReply(ReplyBadSequence)
		return
	}

	addr := trimAngleBrackets(strings.TrimSpace(conn.args[len("TO:"):]))

	// An unknown recipient is rejected individually; the envelope keeps
	// any recipients already accepted.
	if reply := conn.server.VerifyAddress(addr); reply.Code != ReplyOK.Code {
		conn.log.Info("rejected recipient", zap.String("address", addr))
		conn.writeReply(reply)
		return
	}

	conn.rcptTo = append(conn.rcptTo, addr)
	conn.writeReply(ReplyOK)
}

func (conn *connection) doDATA() {
	if len(conn.args) > 0 {
		conn.writeReply(ReplyBadSyntax)
		return
	}

	if !conn.haveFrom || len(conn.rcptTo) == 0 {
		conn.writeReply(ReplyBadSequence)
		return
	}

	conn.dataMode = true
	conn.body.Reset()
	conn.writeReply(ReplyStartData)
}

// handleData consumes one line of message content. A bare period commits
// the message; it is never stored.
func (conn *connection) handleData(line string) {
	if line == "." {
		conn.dataMode = false
		conn.deliverEnvelope()
		return
	}

	// Undo transparency stuffing (RFC 5321 section 4.5.2): one leading
	// period was added by the client, remove it.
	line = strings.TrimPrefix(line, ".")

	conn.body.WriteString(line)
	conn.body.WriteString("\r\n")
}

func (conn *connection) deliverEnvelope() {
	env := Envelope{
		RemoteAddr: conn.remoteAddr,
		MailFrom:   conn.mailFrom,
		RcptTo:     conn.rcptTo,
		Data:       []byte(conn.body.String()),
		Received:   time.Now(),
		ID:         uuid.NewString(),
	}

	if reply := conn.server.DeliverMessage(env); reply != nil {
		conn.log.Error("failed to deliver message", zap.String("id", env.ID))
		conn.resetEnvelope()
		conn.writeReply(*reply)
		return
	}

	conn.log.Info("delivered message",
		zap.String("id", env.ID),
		zap.Int("recipients", len(env.RcptTo)))
	conn.resetEnvelope()
	conn.writeReply(ReplyOK)
}

func (conn *connection) doRSET() {
	if len(conn.args) > 0 {
		conn.writeReply(ReplyBadSyntax)
		return
	}

	conn.resetEnvelope()
	conn.writeReply(ReplyOK)
}

func (conn *connection) doVRFY() {
	if len(conn.args) == 0 {
		conn.writeReply(ReplyBadSyntax)
		return
	}

	addr := trimAngleBrackets(strings.TrimSpace(conn.args))

	if reply := conn.server.VerifyAddress(addr); reply.Code != ReplyOK.Code {
		conn.writeReply(ReplyLine{550, "user not found"})
		return
	}
	conn.writeReply(ReplyLine{250, fmt.Sprintf("%s is a valid mailbox", addr)})
}

func (conn *connection) doNOOP() {
	if len(conn.args) > 0 {
		conn.writeReply(ReplyBadSyntax)
		return
	}
	conn.writeReply(ReplyOK)
}

func (conn *connection) doQUIT() {
	conn.writeReply(ReplyLine{221, fmt.Sprintf("%s service closing transmission channel", conn.server.Name())})
}
