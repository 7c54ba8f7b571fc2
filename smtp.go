package main

import (
	"fmt"
	"net"

	"go.uber.org/zap"

	"src.tinfoil.dev/postdrop/maildrop"
	"src.tinfoil.dev/postdrop/smtp"
)

func runSMTPServer(config Config, store *maildrop.Store, log *zap.Logger) <-chan error {
	server := smtpServer{
		config: config,
		store:  store,
		log:    log.With(zap.String("server", "smtp")),
		rc:     make(chan error, 1),
	}
	go server.run()
	return server.rc
}

type smtpServer struct {
	config Config
	store  *maildrop.Store
	log    *zap.Logger
	rc     chan error
}

func (server *smtpServer) run() {
	addr := fmt.Sprintf(":%d", server.config.SMTPPort)
	server.log.Info("starting server", zap.String("address", addr))

	l, err := net.Listen("tcp", addr)
	if err != nil {
		server.rc <- err
		return
	}

	connChan := make(chan net.Conn)
	go RunAcceptLoop(l, connChan, server.log)

	for conn := range connChan {
		go smtp.AcceptConnection(conn, server, server.log)
	}
	server.rc <- fmt.Errorf("smtp: accept loop terminated")
}

func (server *smtpServer) Name() string {
	return server.config.Hostname
}

func (server *smtpServer) VerifyAddress(addr string) smtp.ReplyLine {
	if _, err := server.store.Lookup(addr); err != nil {
		return smtp.ReplyNoSuchUser
	}
	return smtp.ReplyOK
}

func (server *smtpServer) DeliverMessage(env smtp.Envelope) *smtp.ReplyLine {
	drops := make([]*maildrop.Maildrop, 0, len(env.RcptTo))
	for _, rcpt := range env.RcptTo {
		drop, err := server.store.Lookup(rcpt)
		if err != nil {
			server.log.Error("recipient vanished before delivery",
				zap.String("address", rcpt), zap.Error(err))
			return &smtp.ReplyNoSuchUser
		}
		drops = append(drops, drop)
	}

	w := maildrop.NewWriter(drops)
	smtp.WriteEnvelopeForDelivery(w, env)
	if err := w.Close(); err != nil {
		server.log.Error("failed to deliver message",
			zap.String("id", env.ID), zap.Error(err))
		return &smtp.ReplyDeliveryFailed
	}

	server.log.Info("delivered message",
		zap.String("id", env.ID), zap.Int("recipients", len(drops)))
	return nil
}
