package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/skiff-chat/skiff/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB persists threads and their messages in a BoltDB file. Message keys
// carry a zero-padded sequence prefix so bucket iteration preserves insertion
// order, which truncation relies on.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (or creates, with 0600 permissions) the database at path
// and ensures the top-level threads bucket exists.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("threads"))
		return err
	})

	return BoltDB{db: db}, err
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(threadID string) []byte {
	return []byte(fmt.Sprintf("thread-%s", threadID))
}

// Threads returns the user's threads, newest first.
func (b BoltDB) Threads(_ context.Context, userID string) ([]models.Thread, error) {
	var threads []models.Thread
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("threads"))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var thread models.Thread
			if err := json.Unmarshal(v, &thread); err != nil {
				return fmt.Errorf("failed to unmarshal thread: %w", err)
			}
			if thread.UserID == userID {
				threads = append(threads, thread)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(threads)
	return threads, nil
}

// Thread looks up one thread by id. The second return reports existence.
func (b BoltDB) Thread(_ context.Context, id string) (models.Thread, bool, error) {
	var thread models.Thread
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("threads"))
		if bk == nil {
			return nil
		}
		v := bk.Get([]byte(id))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &thread); err != nil {
			return fmt.Errorf("failed to unmarshal thread: %w", err)
		}
		found = true
		return nil
	})
	return thread, found, err
}

func addThread(tx *bolt.Tx, thread models.Thread) error {
	bk := tx.Bucket([]byte("threads"))
	if bk == nil {
		return fmt.Errorf("threads bucket missing")
	}

	if _, err := tx.CreateBucketIfNotExists(messageBucketName(thread.ID)); err != nil {
		return fmt.Errorf("failed to create message bucket: %w", err)
	}

	v, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	return bk.Put([]byte(thread.ID), v)
}

// AddThread stores a thread under its client-supplied id. Ids are kept as
// given so a client navigating optimistically to a new thread lands on the
// same id after the lazy create.
func (b BoltDB) AddThread(_ context.Context, thread models.Thread) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return addThread(tx, thread)
	})
}

// UpdateThread rewrites an existing thread record; unknown ids are ignored.
func (b BoltDB) UpdateThread(_ context.Context, thread models.Thread) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("threads"))
		if bk == nil {
			return nil
		}
		if bk.Get([]byte(thread.ID)) == nil {
			return nil
		}

		v, err := json.Marshal(thread)
		if err != nil {
			return fmt.Errorf("failed to marshal thread: %w", err)
		}
		return bk.Put([]byte(thread.ID), v)
	})
}

// SeedThread creates a thread together with its first message in one
// transaction, so a failed hand-off never leaves a half-created thread.
func (b BoltDB) SeedThread(_ context.Context, thread models.Thread, seed models.Message) (string, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := addThread(tx, thread); err != nil {
			return err
		}
		_, err := addMessage(tx, thread.ID, seed)
		return err
	})
	if err != nil {
		return "", err
	}
	return thread.ID, nil
}

// Messages returns a thread's messages in insertion order.
func (b BoltDB) Messages(_ context.Context, threadID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(threadID))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func addMessage(tx *bolt.Tx, threadID string, message models.Message) (string, error) {
	bk := tx.Bucket(messageBucketName(threadID))
	if bk == nil {
		return "", fmt.Errorf("thread %s has no message bucket", threadID)
	}

	seq, err := bk.NextSequence()
	if err != nil {
		return "", fmt.Errorf("failed to get next sequence: %w", err)
	}
	newID := fmt.Sprintf("%010d-%s", seq, message.ID)
	message.ID = newID

	v, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	return newID, bk.Put([]byte(newID), v)
}

// AddMessage appends a message to the thread, returning the stored id (the
// original id prefixed with the bucket sequence so keys sort by insertion).
func (b BoltDB) AddMessage(_ context.Context, threadID string, message models.Message) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		newID, err = addMessage(tx, threadID, message)
		return err
	})
	return newID, err
}

// UpdateMessage rewrites a stored message in place, keyed by its stored id.
func (b BoltDB) UpdateMessage(_ context.Context, threadID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(threadID))
		if bk == nil {
			return nil
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bk.Put([]byte(message.ID), v)
	})
}

// TruncateMessages deletes the message at keepBefore and everything after
// it, counting in insertion order. Calling it again with the same index is a
// no-op.
func (b BoltDB) TruncateMessages(_ context.Context, threadID string, keepBefore int) error {
	if keepBefore < 0 {
		keepBefore = 0
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(threadID))
		if bk == nil {
			return nil
		}

		var doomed [][]byte
		idx := 0
		c := bk.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if idx >= keepBefore {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			idx++
		}

		for _, k := range doomed {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
