package main

import (
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"src.tinfoil.dev/postdrop/maildrop"
	"src.tinfoil.dev/postdrop/pop3"
)

func runPOP3Server(config Config, store *maildrop.Store, log *zap.Logger) <-chan error {
	server := pop3Server{
		config: config,
		store:  store,
		log:    log.With(zap.String("server", "pop3")),
		rc:     make(chan error, 1),
	}
	go server.run()
	return server.rc
}

type pop3Server struct {
	config Config
	store  *maildrop.Store
	log    *zap.Logger
	rc     chan error
}

func (server *pop3Server) run() {
	addr := fmt.Sprintf(":%d", server.config.POP3Port)
	server.log.Info("starting server", zap.String("address", addr))

	l, err := net.Listen("tcp", addr)
	if err != nil {
		server.rc <- err
		return
	}

	connChan := make(chan net.Conn)
	go RunAcceptLoop(l, connChan, server.log)

	for conn := range connChan {
		go pop3.AcceptConnection(conn, server, server.log)
	}
	server.rc <- fmt.Errorf("pop3: accept loop terminated")
}

func (server *pop3Server) Name() string {
	return server.config.Hostname
}

func (server *pop3Server) OpenMailbox(user, pass string) (pop3.Mailbox, error) {
	drop, err := server.store.Lookup(user)
	if err != nil {
		return nil, err
	}

	mb, err := drop.Open(pass)
	if err != nil {
		return nil, err
	}
	return &popMailbox{mb: mb}, nil
}

// popMailbox adapts a maildrop snapshot to the POP3 engine's Mailbox
// interface.
type popMailbox struct {
	mb *maildrop.Mailbox
}

func (p *popMailbox) ListMessages() ([]pop3.Message, error) {
	msgs := p.mb.Messages()
	out := make([]pop3.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg
	}
	return out, nil
}

func (p *popMailbox) GetMessage(id int) pop3.Message {
	msg, err := p.mb.Get(id)
	if err != nil {
		return nil
	}
	return msg
}

func (p *popMailbox) Retrieve(msg pop3.Message) (io.ReadCloser, error) {
	return p.mb.Retrieve(msg.(*maildrop.Message))
}

func (p *popMailbox) Delete(msg pop3.Message) error {
	return p.mb.Delete(msg.(*maildrop.Message))
}

func (p *popMailbox) Reset() {
	p.mb.Reset()
}

func (p *popMailbox) Close(purge bool) error {
	return p.mb.Close(purge)
}
