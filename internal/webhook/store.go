package webhook

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	regPrefix   = "r:"
	statsPrefix = "s:"
)

type statsOp struct {
	id    string
	stats Stats
}

// Store persists registrations in LevelDB. Registration writes are
// synchronous; stats writes go through a background writer and may be lost
// on a crash.
type Store struct {
	db *leveldb.DB

	mu     sync.Mutex
	closed bool
	ops    chan statsOp
	done   chan struct{}
}

func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:   db,
		ops:  make(chan statsOp, 1024),
		done: make(chan struct{}),
	}
	go s.writerLoop()
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	<-s.done
	return s.db.Close()
}

// Load returns every stored registration with its last known stats.
func (s *Store) Load() ([]Registration, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(regPrefix)), nil)
	defer it.Release()

	var out []Registration
	for it.Next() {
		var r Registration
		if err := decodeGob(it.Value(), &r); err != nil {
			continue
		}
		id := string(bytes.TrimPrefix(it.Key(), []byte(regPrefix)))
		if b, err := s.db.Get([]byte(statsPrefix+id), nil); err == nil {
			_ = decodeGob(b, &r.Stats)
		}
		out = append(out, r)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Put(r Registration) error {
	rb, err := encodeGob(r)
	if err != nil {
		return err
	}
	sb, err := encodeGob(r.Stats)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(regPrefix+r.ID), rb)
	batch.Put([]byte(statsPrefix+r.ID), sb)
	return s.db.Write(batch, nil)
}

func (s *Store) Delete(id string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(regPrefix + id))
	batch.Delete([]byte(statsPrefix + id))
	return s.db.Write(batch, nil)
}

// PutStatsAsync queues a stats write. It drops the write if the queue is
// full or the store is closed.
func (s *Store) PutStatsAsync(id string, st Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ops <- statsOp{id: id, stats: st}:
	default:
	}
}

func (s *Store) writerLoop() {
	defer close(s.done)
	for op := range s.ops {
		// a stats write racing a Delete must not resurrect the record
		if ok, _ := s.db.Has([]byte(regPrefix+op.id), nil); !ok {
			continue
		}
		b, err := encodeGob(op.stats)
		if err != nil {
			continue
		}
		_ = s.db.Put([]byte(statsPrefix+op.id), b, nil)
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
