package main

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"src.tinfoil.dev/postdrop/maildrop"
)

type Config struct {
	SMTPPort int `toml:"smtp_port"`
	POP3Port int `toml:"pop3_port"`

	// Hostname is the name the servers announce in their greeting
	// banners.
	Hostname string `toml:"hostname"`

	// MaildropRoot is the directory holding one message directory per
	// user.
	MaildropRoot string `toml:"maildrop_root"`

	Users []UserConfig `toml:"user"`
}

type UserConfig struct {
	// Name is the mailbox identity as given to USER, RCPT, and VRFY.
	Name string `toml:"name"`

	// PasswordHash is the bcrypt hash of the account password.
	PasswordHash string `toml:"password_hash"`
}

func LoadConfig(path string) (Config, error) {
	var config Config
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return Config{}, fmt.Errorf("config file: %w", err)
	}

	if config.Hostname == "" {
		return Config{}, fmt.Errorf("config file: hostname is required")
	}
	if config.MaildropRoot == "" {
		return Config{}, fmt.Errorf("config file: maildrop_root is required")
	}
	for _, user := range config.Users {
		if user.Name == "" || user.PasswordHash == "" {
			return Config{}, fmt.Errorf("config file: every user needs a name and a password_hash")
		}
	}
	return config, nil
}

func (c Config) storeUsers() []maildrop.User {
	users := make([]maildrop.User, 0, len(c.Users))
	for _, user := range c.Users {
		users = append(users, maildrop.User{
			Name:         user.Name,
			PasswordHash: user.PasswordHash,
		})
	}
	return users
}
