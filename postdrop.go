package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"src.tinfoil.dev/postdrop/maildrop"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s config.toml\n", os.Args[0])
		os.Exit(1)
	}

	config, err := LoadConfig(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(2)
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %s\n", err)
		os.Exit(3)
	}
	defer log.Sync()

	log.Info("starting postdrop", zap.String("version", versionNumber))

	store, err := maildrop.NewStore(config.MaildropRoot, config.storeUsers())
	if err != nil {
		log.Fatal("failed to open maildrop store", zap.Error(err))
	}

	pop3 := runPOP3Server(config, store, log)
	smtp := runSMTPServer(config, store, log)

	select {
	case err := <-pop3:
		log.Fatal("POP3 server failed", zap.Error(err))
	case err := <-smtp:
		log.Fatal("SMTP server failed", zap.Error(err))
	}
}
