package maildrop

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func hashPassword(t *testing.T, password string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func newTestStore(t *testing.T) *Store {
	store, err := NewStore(t.TempDir(), []User{
		{Name: "alice", PasswordHash: hashPassword(t, "wonderland")},
		{Name: "bob", PasswordHash: hashPassword(t, "builder")},
	})
	require.NoError(t, err)
	return store
}

func deliver(t *testing.T, store *Store, content string, rcpts ...string) {
	drops := make([]*Maildrop, 0, len(rcpts))
	for _, rcpt := range rcpts {
		drop, err := store.Lookup(rcpt)
		require.NoError(t, err)
		drops = append(drops, drop)
	}

	w := NewWriter(drops)
	_, err := w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func readMessage(t *testing.T, mb *Mailbox, msg *Message) string {
	rc, err := mb.Retrieve(msg)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func msgFiles(t *testing.T, store *Store, user string) []string {
	entries, err := os.ReadDir(store.dirFor(user))
	require.NoError(t, err)
	var files []string
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == msgExt {
			files = append(files, entry.Name())
		}
	}
	return files
}

func TestStoreCreatesMaildrops(t *testing.T) {
	store := newTestStore(t)

	for _, user := range []string{"alice", "bob"} {
		info, err := os.Stat(store.dirFor(user))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestLookupUnknownUser(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Lookup("mallory")
	assert.ErrorIs(t, err, ErrNoSuchUser)

	drop, err := store.Lookup("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", drop.Name())
}

func TestOpenWrongPassword(t *testing.T) {
	store := newTestStore(t)

	drop, err := store.Lookup("alice")
	require.NoError(t, err)

	_, err = drop.Open("rabbit")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestOpenExclusiveLock(t *testing.T) {
	store := newTestStore(t)

	drop, err := store.Lookup("alice")
	require.NoError(t, err)

	mb, err := drop.Open("wonderland")
	require.NoError(t, err)

	// A second session cannot authenticate while the first holds the
	// maildrop, even with the right password.
	_, err = drop.Open("wonderland")
	assert.ErrorIs(t, err, ErrMailboxLocked)

	// A different user's maildrop is unaffected.
	bob, err := store.Lookup("bob")
	require.NoError(t, err)
	bobMB, err := bob.Open("builder")
	require.NoError(t, err)
	require.NoError(t, bobMB.Close(false))

	require.NoError(t, mb.Close(false))

	mb, err = drop.Open("wonderland")
	require.NoError(t, err)
	require.NoError(t, mb.Close(false))
}

func TestSnapshotIndices(t *testing.T) {
	store := newTestStore(t)
	deliver(t, store, "a", "alice")
	deliver(t, store, "bb", "alice")
	deliver(t, store, "ccc", "alice")

	drop, err := store.Lookup("alice")
	require.NoError(t, err)
	mb, err := drop.Open("wonderland")
	require.NoError(t, err)
	defer mb.Close(false)

	msgs := mb.Messages()
	require.Len(t, msgs, 3)

	sizes := 0
	for i, msg := range msgs {
		assert.Equal(t, i+1, msg.ID())
		assert.False(t, msg.Deleted())
		assert.Equal(t, len(readMessage(t, mb, msg)), msg.Size())
		sizes += msg.Size()
	}
	assert.Equal(t, 6, sizes)

	// Tagging a message never shifts the others' indices.
	require.NoError(t, mb.Delete(msgs[1]))
	again, err := mb.Get(3)
	require.NoError(t, err)
	assert.Equal(t, msgs[2], again)
}

func TestGetOutOfRange(t *testing.T) {
	store := newTestStore(t)
	deliver(t, store, "only", "alice")

	drop, err := store.Lookup("alice")
	require.NoError(t, err)
	mb, err := drop.Open("wonderland")
	require.NoError(t, err)
	defer mb.Close(false)

	_, err = mb.Get(0)
	assert.ErrorIs(t, err, ErrNoSuchMessage)
	_, err = mb.Get(2)
	assert.ErrorIs(t, err, ErrNoSuchMessage)
}

func TestDeleteAndReset(t *testing.T) {
	store := newTestStore(t)
	deliver(t, store, "one", "alice")
	deliver(t, store, "two", "alice")

	drop, err := store.Lookup("alice")
	require.NoError(t, err)
	mb, err := drop.Open("wonderland")
	require.NoError(t, err)
	defer mb.Close(false)

	msg, err := mb.Get(1)
	require.NoError(t, err)

	require.NoError(t, mb.Delete(msg))
	assert.True(t, msg.Deleted())

	// Double delete is an error the session reports per request.
	assert.ErrorIs(t, mb.Delete(msg), ErrMessageDeleted)

	mb.Reset()
	assert.False(t, msg.Deleted())
	require.NoError(t, mb.Delete(msg))
}

func TestPurgeOnClose(t *testing.T) {
	store := newTestStore(t)
	deliver(t, store, "doomed", "alice")
	deliver(t, store, "survivor", "alice")

	drop, err := store.Lookup("alice")
	require.NoError(t, err)
	mb, err := drop.Open("wonderland")
	require.NoError(t, err)

	for _, msg := range mb.Messages() {
		if readMessage(t, mb, msg) == "doomed" {
			require.NoError(t, mb.Delete(msg))
		}
	}
	require.NoError(t, mb.Close(true))

	assert.Len(t, msgFiles(t, store, "alice"), 1)

	mb, err = drop.Open("wonderland")
	require.NoError(t, err)
	defer mb.Close(false)

	msgs := mb.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "survivor", readMessage(t, mb, msgs[0]))
}

func TestCloseWithoutPurge(t *testing.T) {
	store := newTestStore(t)
	deliver(t, store, "kept", "alice")

	drop, err := store.Lookup("alice")
	require.NoError(t, err)
	mb, err := drop.Open("wonderland")
	require.NoError(t, err)

	msg, err := mb.Get(1)
	require.NoError(t, err)
	require.NoError(t, mb.Delete(msg))

	// An aborted session (no QUIT) must not purge.
	require.NoError(t, mb.Close(false))
	assert.Len(t, msgFiles(t, store, "alice"), 1)
}

func TestCloseIdempotent(t *testing.T) {
	store := newTestStore(t)

	drop, err := store.Lookup("alice")
	require.NoError(t, err)
	mb, err := drop.Open("wonderland")
	require.NoError(t, err)

	require.NoError(t, mb.Close(true))
	require.NoError(t, mb.Close(true))
}

func TestSnapshotIsolation(t *testing.T) {
	store := newTestStore(t)
	deliver(t, store, "before", "alice")

	drop, err := store.Lookup("alice")
	require.NoError(t, err)
	mb, err := drop.Open("wonderland")
	require.NoError(t, err)

	// Mail arriving mid-session stays invisible to the open snapshot.
	deliver(t, store, "during", "alice")
	assert.Len(t, mb.Messages(), 1)

	// Purging the whole snapshot must not disturb the new arrival.
	msg, err := mb.Get(1)
	require.NoError(t, err)
	require.NoError(t, mb.Delete(msg))
	require.NoError(t, mb.Close(true))

	mb, err = drop.Open("wonderland")
	require.NoError(t, err)
	defer mb.Close(false)

	msgs := mb.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "during", readMessage(t, mb, msgs[0]))
}
