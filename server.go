package main

import (
	"net"

	"go.uber.org/zap"
)

// RunAcceptLoop accepts connections from l and forwards them over c until
// the listener fails, at which point c is closed.
func RunAcceptLoop(l net.Listener, c chan<- net.Conn, log *zap.Logger) {
	for {
		conn, err := l.Accept()
		if err != nil {
			log.Error("accept", zap.Error(err))
			close(c)
			return
		}

		c <- conn
	}
}
