package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var downloadsBucket = []byte("downloads")

// Record is the audit entry kept per cached download.
type Record struct {
	Url       string    `json:"url"`
	Sha256    string    `json:"sha256,omitempty"`
	Size      int64     `json:"size"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Index is the bbolt-backed download index. It holds cache metadata only;
// unit state is never persisted.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens or creates the index database at path.
func OpenIndex(path string) (*Index, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(downloadsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Index{db: db}, nil
}

// Close releases the database.
func (i *Index) Close() error {
	return i.db.Close()
}

// Record stores or replaces the entry for a url, stamping the fetch time.
func (i *Index) Record(record Record) error {
	if record.FetchedAt.IsZero() {
		record.FetchedAt = time.Now()
	}

	return i.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}

		return tx.Bucket(downloadsBucket).Put([]byte(record.Url), data)
	})
}

// Lookup returns the entry for a url if one exists.
func (i *Index) Lookup(url string) (Record, bool, error) {
	var record Record
	var found bool

	err := i.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(downloadsBucket).Get([]byte(url))
		if data == nil {
			return nil
		}

		found = true
		return json.Unmarshal(data, &record)
	})

	return record, found, err
}

// Forget removes the entry for a url.
func (i *Index) Forget(url string) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(downloadsBucket).Delete([]byte(url))
	})
}

// List returns every entry in the index.
func (i *Index) List() ([]Record, error) {
	var records []Record
	err := i.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(downloadsBucket).ForEach(func(_, data []byte) error {
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}

			records = append(records, record)
			return nil
		})
	})

	return records, err
}
