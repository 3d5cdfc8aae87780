package store

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog/log"

	"github.com/hemlock-io/relay/encoding"
)

// Key prefixes, sorted for efficient iteration
const (
	prefixDeadLetter = "/dlq/"    // /dlq/{eventID}
	prefixCursor     = "/cursor/" // /cursor/{partition}
)

// PebbleStore implements Store using Pebble
type PebbleStore struct {
	db     *pebble.DB
	path   string
	closed atomic.Bool
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens (or creates) the bridge store at path
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}

	log.Info().Str("path", path).Msg("Bridge store opened")
	return &PebbleStore{db: db, path: path}, nil
}

func deadLetterKey(eventID string) []byte {
	return []byte(prefixDeadLetter + eventID)
}

func cursorKey(partition string) []byte {
	return []byte(prefixCursor + partition)
}

// prefixUpperBound returns the exclusive upper bound for iterating a prefix
func prefixUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil
}

// RecordDeadLetter persists a dead letter with a synchronous WAL write.
// Losing a record means losing the ability to replay, so this never uses
// the async path.
func (s *PebbleStore) RecordDeadLetter(rec DeadLetterRecord) error {
	raw, err := encoding.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter %s: %w", rec.Event.EventID, err)
	}

	// Payloads carry full engine entity bodies; compress before writing.
	compressed := s2.Encode(nil, raw)

	if err := s.db.Set(deadLetterKey(rec.Event.EventID), compressed, pebble.Sync); err != nil {
		return fmt.Errorf("failed to record dead letter %s: %w", rec.Event.EventID, err)
	}
	return nil
}

func decodeDeadLetter(value []byte) (DeadLetterRecord, error) {
	raw, err := s2.Decode(nil, value)
	if err != nil {
		return DeadLetterRecord{}, fmt.Errorf("failed to decompress dead letter: %w", err)
	}

	var rec DeadLetterRecord
	if err := encoding.Unmarshal(raw, &rec); err != nil {
		return DeadLetterRecord{}, fmt.Errorf("failed to decode dead letter: %w", err)
	}
	return rec, nil
}

// ListDeadLetters iterates records in event-id order starting after `from`
func (s *PebbleStore) ListDeadLetters(limit int, from string) ([]DeadLetterRecord, bool, error) {
	prefix := []byte(prefixDeadLetter)
	lower := prefix
	if from != "" {
		lower = append(deadLetterKey(from), 0)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()

	records := make([]DeadLetterRecord, 0, limit)
	hasMore := false
	for iter.First(); iter.Valid(); iter.Next() {
		if len(records) >= limit {
			hasMore = true
			break
		}

		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, false, err
		}

		rec, err := decodeDeadLetter(value)
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping undecodable dead letter")
			continue
		}
		records = append(records, rec)
	}

	return records, hasMore, iter.Error()
}

// GetDeadLetter fetches one record by event id
func (s *PebbleStore) GetDeadLetter(eventID string) (DeadLetterRecord, error) {
	value, closer, err := s.db.Get(deadLetterKey(eventID))
	if err == pebble.ErrNotFound {
		return DeadLetterRecord{}, ErrNotFound
	}
	if err != nil {
		return DeadLetterRecord{}, err
	}
	defer closer.Close()

	return decodeDeadLetter(value)
}

// RemoveDeadLetter deletes a record after replay or purge
func (s *PebbleStore) RemoveDeadLetter(eventID string) error {
	return s.db.Delete(deadLetterKey(eventID), pebble.Sync)
}

// CountDeadLetters scans the dead-letter keyspace
func (s *PebbleStore) CountDeadLetters() (int, error) {
	prefix := []byte(prefixDeadLetter)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	return count, iter.Error()
}

// GetCursor returns the last acknowledged position for a partition
func (s *PebbleStore) GetCursor(partition string) (uint64, error) {
	value, closer, err := s.db.Get(cursorKey(partition))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(value) != 8 {
		return 0, fmt.Errorf("corrupt cursor for partition %s", partition)
	}
	return binary.BigEndian.Uint64(value), nil
}

// SetCursor advances the partition cursor. Uses the async WAL path: losing
// the last cursor write only causes redelivery, which downstream idempotency
// absorbs.
func (s *PebbleStore) SetCursor(partition string, position uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], position)
	return s.db.Set(cursorKey(partition), buf[:], pebble.NoSync)
}

// Close closes the underlying Pebble database. Idempotent.
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
