package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/marcus/replica/internal/message"
)

// Key layout, every part separated by a zero byte:
//
//	r <entity> <id>   record attributes (JSON)
//	c <channel>       cursor (8-byte big endian)
//	q <queue key>     queued message (JSON)
//	h <seq>           history entry (JSON), seq zero-padded decimal
const (
	prefixRecord  = "r\x00"
	prefixCursor  = "c\x00"
	prefixQueue   = "q\x00"
	prefixHistory = "h\x00"
)

// Pebble is a Store backed by a Pebble key/value database.
type Pebble struct {
	db     *pebble.DB
	serial *Serializer

	// guarded by the serializer
	historySeq int64
}

// OpenPebble opens (creating if needed) a Pebble database in dir.
func OpenPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		// Small group-commit window for WAL syncs.
		WALMinSyncInterval: func() time.Duration { return 2 * time.Millisecond },
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	p := &Pebble{db: db, serial: NewSerializer(64)}
	if p.historySeq, err = p.lastHistorySeq(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pebble) Close() error {
	p.serial.Close()
	return p.db.Close()
}

func recordKey(entity, id string) []byte {
	return []byte(prefixRecord + entity + "\x00" + id)
}

func historyKey(seq int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixHistory, seq))
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (p *Pebble) get(key []byte) ([]byte, error) {
	val, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// scan calls fn for every key/value under prefix, in key order.
func (p *Pebble) scan(prefix []byte, fn func(key, val []byte) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			iter.Close()
			return err
		}
	}
	return iter.Close()
}

// write builds a batch on the serial worker and commits it with a WAL sync.
func (p *Pebble) write(ctx context.Context, fn func(b *pebble.Batch) error) error {
	return p.serial.Do(ctx, func() error {
		b := p.db.NewBatch()
		defer b.Close()
		if err := fn(b); err != nil {
			return err
		}
		return b.Commit(pebble.Sync)
	})
}

func decodeAttrs(raw []byte) (message.Attrs, error) {
	var attrs message.Attrs
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return attrs, nil
}

func (p *Pebble) Apply(ctx context.Context, entity, id string, method message.Method, data message.Attrs) (message.Attrs, error) {
	var out message.Attrs
	key := recordKey(entity, id)
	err := p.write(ctx, func(b *pebble.Batch) error {
		var current message.Attrs
		raw, err := p.get(key)
		switch {
		case err == nil:
			if current, err = decodeAttrs(raw); err != nil {
				return err
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}
		next, keep, err := applyAttrs(current, id, method, data)
		if err != nil {
			return err
		}
		if !keep {
			return b.Delete(key, nil)
		}
		enc, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		out = next
		return b.Set(key, enc, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("apply %s %s/%s: %w", method, entity, id, err)
	}
	return out, nil
}

func (p *Pebble) Reset(ctx context.Context, entity string, records []message.Attrs) error {
	prefix := []byte(prefixRecord + entity + "\x00")
	return p.write(ctx, func(b *pebble.Batch) error {
		if err := b.DeleteRange(prefix, upperBound(prefix), nil); err != nil {
			return err
		}
		for _, r := range records {
			id := r.ID()
			if id == "" {
				continue
			}
			enc, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
			if err := b.Set(recordKey(entity, id), enc, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Pebble) Get(_ context.Context, entity, id string) (message.Attrs, error) {
	raw, err := p.get(recordKey(entity, id))
	if err != nil {
		return nil, err
	}
	return decodeAttrs(raw)
}

func (p *Pebble) List(_ context.Context, entity string) ([]message.Attrs, error) {
	var out []message.Attrs
	err := p.scan([]byte(prefixRecord+entity+"\x00"), func(_, val []byte) error {
		attrs, err := decodeAttrs(val)
		if err != nil {
			return err
		}
		out = append(out, attrs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entity, err)
	}
	return out, nil
}

func (p *Pebble) Cursor(_ context.Context, channel string) (int64, error) {
	raw, err := p.get([]byte(prefixCursor + channel))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("get cursor: bad length %d", len(raw))
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

func (p *Pebble) AdvanceCursor(ctx context.Context, channel string, t int64) (int64, error) {
	stored := t
	err := p.write(ctx, func(b *pebble.Batch) error {
		cur, err := p.Cursor(ctx, channel)
		if err != nil {
			return err
		}
		if cur >= t {
			stored = cur
			return nil
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(t))
		return b.Set([]byte(prefixCursor+channel), buf[:], nil)
	})
	return stored, err
}

func (p *Pebble) PutQueued(ctx context.Context, msg message.Message) error {
	enc, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode queued: %w", err)
	}
	return p.write(ctx, func(b *pebble.Batch) error {
		return b.Set([]byte(prefixQueue+msg.Key()), enc, nil)
	})
}

func decodeQueued(key string, raw []byte) (message.Message, error) {
	var m message.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return message.Message{QueueKey: key}, fmt.Errorf("%w: queued %s: %v", message.ErrMalformed, key, err)
	}
	m.QueueKey = key
	return m, nil
}

func (p *Pebble) GetQueued(_ context.Context, key string) (message.Message, error) {
	raw, err := p.get([]byte(prefixQueue + key))
	if err != nil {
		return message.Message{}, err
	}
	return decodeQueued(key, raw)
}

func (p *Pebble) DeleteQueued(ctx context.Context, key string) error {
	return p.write(ctx, func(b *pebble.Batch) error {
		return b.Delete([]byte(prefixQueue+key), nil)
	})
}

func (p *Pebble) ListQueued(_ context.Context) ([]message.Message, error) {
	var (
		out  []message.Message
		errs []error
	)
	err := p.scan([]byte(prefixQueue), func(key, val []byte) error {
		k := string(key[len(prefixQueue):])
		m, err := decodeQueued(k, val)
		if err != nil {
			errs = append(errs, &MalformedEntryError{Key: k, Err: err})
			return nil
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return queuedOrderLess(out[i], out[j]) })
	return out, errors.Join(errs...)
}

func (p *Pebble) lastHistorySeq() (int64, error) {
	prefix := []byte(prefixHistory)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, nil
	}
	var seq int64
	if _, err := fmt.Sscanf(string(iter.Key()[len(prefix):]), "%d", &seq); err != nil {
		return 0, fmt.Errorf("parse history key: %w", err)
	}
	return seq, nil
}

func (p *Pebble) RecordHistory(ctx context.Context, entries []HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return p.write(ctx, func(b *pebble.Batch) error {
		seq := p.historySeq
		for _, e := range entries {
			seq++
			e.ID = seq
			if e.Timestamp.IsZero() {
				e.Timestamp = time.Now()
			}
			enc, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Set(historyKey(seq), enc, nil); err != nil {
				return err
			}
		}
		p.historySeq = seq
		return nil
	})
}

func (p *Pebble) historyRange(lower []byte, limit int, reverse bool) ([]HistoryEntry, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upperBound([]byte(prefixHistory))})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []HistoryEntry
	valid := iter.First()
	next := iter.Next
	if reverse {
		valid = iter.Last()
		next = iter.Prev
	}
	for ; valid && len(out) < limit; valid = next() {
		var e HistoryEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *Pebble) HistoryTail(_ context.Context, limit int) ([]HistoryEntry, error) {
	entries, err := p.historyRange([]byte(prefixHistory), limit, true)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (p *Pebble) HistorySince(_ context.Context, afterID int64, limit int) ([]HistoryEntry, error) {
	return p.historyRange(historyKey(afterID+1), limit, false)
}

func (p *Pebble) PruneHistory(ctx context.Context, maxRows int) error {
	return p.write(ctx, func(b *pebble.Batch) error {
		cutoff := p.historySeq - int64(maxRows)
		if cutoff <= 0 {
			return nil
		}
		return b.DeleteRange([]byte(prefixHistory), historyKey(cutoff+1), nil)
	})
}
