package services

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Attachments is a thin metadata store for uploaded files. Blob storage
// itself lives elsewhere; this keeps only what the chat server needs, the
// PDF page counts feeding the OCR cost accumulator.
type Attachments struct {
	db *bolt.DB
}

type attachmentRecord struct {
	PageCount int `json:"pageCount"`
}

// NewAttachments opens the attachment metadata bucket in the given database.
func NewAttachments(store BoltDB) (Attachments, error) {
	err := store.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("attachments"))
		return err
	})
	return Attachments{db: store.db}, err
}

// SetPageCount records a PDF's page count at upload time.
func (a Attachments) SetPageCount(_ context.Context, fileID string, pages int) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("attachments"))
		if bk == nil {
			return fmt.Errorf("attachments bucket missing")
		}
		v, err := json.Marshal(attachmentRecord{PageCount: pages})
		if err != nil {
			return err
		}
		return bk.Put([]byte(fileID), v)
	})
}

// PageCount returns the recorded page count for a file, 0 if unknown.
func (a Attachments) PageCount(_ context.Context, fileID string) (int, error) {
	var pages int
	err := a.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("attachments"))
		if bk == nil {
			return nil
		}
		v := bk.Get([]byte(fileID))
		if v == nil {
			return nil
		}
		var rec attachmentRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		pages = rec.PageCount
		return nil
	})
	return pages, err
}

// Delete removes a file's metadata; unknown ids are a no-op.
func (a Attachments) Delete(_ context.Context, fileID string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("attachments"))
		if bk == nil {
			return nil
		}
		return bk.Delete([]byte(fileID))
	})
}
