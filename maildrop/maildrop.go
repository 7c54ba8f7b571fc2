// Package maildrop implements the shared mail store: one directory of
// message files per user, delivered to by SMTP sessions and drained by
// POP3 sessions.
package maildrop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoSuchUser       = errors.New("maildrop: no such user")
	ErrNotAuthenticated = errors.New("maildrop: not authenticated")
	ErrMailboxLocked    = errors.New("maildrop: mailbox locked by another session")
	ErrNoSuchMessage    = errors.New("maildrop: no such message")
	ErrMessageDeleted   = errors.New("maildrop: message already deleted")
)

// User is one maildrop account. PasswordHash is a bcrypt hash of the
// account password.
type User struct {
	Name         string
	PasswordHash string
}

// Store manages the per-user maildrop directories under a single root.
// It is the only state shared between connections; all methods are safe
// for concurrent use.
type Store struct {
	root  string
	users map[string]User

	// mu guards locked, the set of maildrops currently held by an
	// authenticated session.
	mu     sync.Mutex
	locked map[string]bool
}

// NewStore creates a Store rooted at root, creating a message directory
// for each user that does not already have one.
func NewStore(root string, users []User) (*Store, error) {
	store := &Store{
		root:   root,
		users:  make(map[string]User, len(users)),
		locked: make(map[string]bool),
	}
	for _, user := range users {
		store.users[user.Name] = user
		if err := os.MkdirAll(store.dirFor(user.Name), 0700); err != nil {
			return nil, fmt.Errorf("create maildrop: %w", err)
		}
	}
	return store, nil
}

func (store *Store) dirFor(user string) string {
	return filepath.Join(store.root, user)
}

// Lookup finds the maildrop for user without authenticating. This is the
// existence check behind the SMTP RCPT and VRFY commands.
func (store *Store) Lookup(user string) (*Maildrop, error) {
	u, ok := store.users[user]
	if !ok {
		return nil, ErrNoSuchUser
	}
	return &Maildrop{store: store, user: u}, nil
}

func (store *Store) acquire(user string) bool {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.locked[user] {
		return false
	}
	store.locked[user] = true
	return true
}

func (store *Store) release(user string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.locked, user)
}

// Maildrop is an unauthenticated handle to one user's message store.
type Maildrop struct {
	store *Store
	user  User
}

func (drop *Maildrop) Name() string {
	return drop.user.Name
}

func (drop *Maildrop) dir() string {
	return drop.store.dirFor(drop.user.Name)
}

// Open authenticates the maildrop and takes a snapshot of its messages.
// The snapshot's indices are stable until Close, and the maildrop is
// exclusively held by this session until then: a second Open fails with
// ErrMailboxLocked even with the correct password.
func (drop *Maildrop) Open(password string) (*Mailbox, error) {
	err := bcrypt.CompareHashAndPassword([]byte(drop.user.PasswordHash), []byte(password))
	if err != nil {
		return nil, ErrNotAuthenticated
	}

	if !drop.store.acquire(drop.user.Name) {
		return nil, ErrMailboxLocked
	}

	mb, err := drop.snapshot()
	if err != nil {
		drop.store.release(drop.user.Name)
		return nil, err
	}
	return mb, nil
}

func (drop *Maildrop) snapshot() (*Mailbox, error) {
	entries, err := os.ReadDir(drop.dir())
	if err != nil {
		return nil, fmt.Errorf("read maildrop: %w", err)
	}

	mb := &Mailbox{drop: drop}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != msgExt {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between listing and stat.
			continue
		}
		mb.messages = append(mb.messages, &Message{
			path: filepath.Join(drop.dir(), entry.Name()),
			id:   len(mb.messages) + 1,
			size: info.Size(),
		})
	}
	return mb, nil
}
