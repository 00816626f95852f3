package chain

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.dedis.ch/protobuf"
	"go.etcd.io/bbolt"
)

var (
	accountsBucket = []byte("accounts")
	metaBucket     = []byte("meta")

	lastLTKey = []byte("lt")
)

// AccountRecord is the persisted form of an account.
type AccountRecord struct {
	Kind    string
	Balance uint64
	Seqno   uint64
	State   []byte
}

// Store persists account records and the ledger's logical time. Commit
// applies all records and lt atomically.
type Store interface {
	Load(addr Address) (*AccountRecord, error)
	LastLT() (uint64, error)
	Commit(lt uint64, records map[Address]*AccountRecord) error
	Close() error
}

// MemStore keeps records in memory.
type MemStore struct {
	records map[Address]AccountRecord
	lt      uint64
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[Address]AccountRecord)}
}

func (s *MemStore) Load(addr Address) (*AccountRecord, error) {
	rec, ok := s.records[addr]
	if !ok {
		return nil, nil
	}
	rec.State = append([]byte(nil), rec.State...)
	return &rec, nil
}

func (s *MemStore) LastLT() (uint64, error) { return s.lt, nil }

func (s *MemStore) Commit(lt uint64, records map[Address]*AccountRecord) error {
	if lt > s.lt {
		s.lt = lt
	}
	for addr, rec := range records {
		cp := *rec
		cp.State = append([]byte(nil), rec.State...)
		s.records[addr] = cp
	}
	return nil
}

func (s *MemStore) Close() error { return nil }

// BoltStore keeps protobuf-encoded records in a bbolt file.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens or creates the state database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{accountsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(addr Address) (*AccountRecord, error) {
	var rec *AccountRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(accountsBucket).Get([]byte(addr.String()))
		if v == nil {
			return nil
		}
		rec = &AccountRecord{}
		return protobuf.Decode(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", addr, err)
	}
	return rec, nil
}

func (s *BoltStore) LastLT() (uint64, error) {
	var lt uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(lastLTKey); len(v) == 8 {
			lt = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return lt, err
}

func (s *BoltStore) Commit(lt uint64, records map[Address]*AccountRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if v := meta.Get(lastLTKey); len(v) != 8 || binary.BigEndian.Uint64(v) < lt {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], lt)
			if err := meta.Put(lastLTKey, buf[:]); err != nil {
				return err
			}
		}
		b := tx.Bucket(accountsBucket)
		for addr, rec := range records {
			buf, err := protobuf.Encode(rec)
			if err != nil {
				return fmt.Errorf("encode account %s: %w", addr, err)
			}
			if err := b.Put([]byte(addr.String()), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
