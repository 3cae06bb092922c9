package netstore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
)

const netKeyPrefix = "net:"

// Record is the catalog entry for one weight file.
type Record struct {
	Name          string    `json:"name"`
	Hash          string    `json:"hash"` // xxhash64 of the file contents
	Size          int64     `json:"size"`
	FormatVersion int       `json:"format_version"`
	Channels      int       `json:"channels"`
	Blocks        int       `json:"blocks"`
	FetchedAt     time.Time `json:"fetched_at"`
	LastUsed      time.Time `json:"last_used"`
}

// Store wraps BadgerDB for the persistent weight-file catalog.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the catalog in dir. An empty dir uses the
// platform database directory.
func Open(dir string) (*Store, error) {
	if dir == "" {
		var err error
		dir, err = DatabaseDir()
		if err != nil {
			return nil, err
		}
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening network catalog: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put inserts or replaces a record, keyed by its name.
func (s *Store) Put(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(netKeyPrefix+rec.Name), data)
	})
}

// Get returns the record for name, or (nil, nil) when unknown.
func (s *Store) Get(name string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(netKeyPrefix + name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &Record{}
			return json.Unmarshal(val, rec)
		})
	})
	return rec, err
}

// Touch updates the record's last-used timestamp.
func (s *Store) Touch(name string) error {
	rec, err := s.Get(name)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("unknown network %q", name)
	}
	rec.LastUsed = time.Now()
	return s.Put(rec)
}

// List returns all cataloged records sorted by name.
func (s *Store) List() ([]*Record, error) {
	var recs []*Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(netKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec := &Record{}
				if err := json.Unmarshal(val, rec); err != nil {
					return err
				}
				recs = append(recs, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}

// HashFile computes the catalog key hash of a weight file's raw bytes.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := xxhash.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%016x", h.Sum64()), size, nil
}

// NameFromPath derives the catalog name from a weight-file path.
func NameFromPath(path string) string {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, ".gz")
	return strings.TrimSuffix(base, ".txt")
}
