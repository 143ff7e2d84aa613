// Package globalid assigns cross-scope global sequence numbers to
// indexed messages. It is driven purely by the change log the history
// index returns, and its writes ride the same transaction batch so the
// two tables can never drift apart.
package globalid

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chatmesh/go-chatmesh/codec"
	"github.com/chatmesh/go-chatmesh/common/types"
	"github.com/chatmesh/go-chatmesh/database"
	"github.com/chatmesh/go-chatmesh/histindex"
	"github.com/chatmesh/go-chatmesh/log"
)

// Keyspace prefixes owned by the registry (the history index owns 0x01,
// the tag overlay 0x04, engine seed markers 0x05).
const (
	forwardPrefix = byte(0x02) // sequence -> (scope, local id)
	reversePrefix = byte(0x03) // (scope, local id) -> sequence
	counterPrefix = byte(0x06) // next sequence number
)

// GlobalID is a cross-scope sequence number. Assignments are strictly
// increasing in commit order; numbers of removed messages are never
// reused.
type GlobalID uint64

type idRecord struct {
	Peer      uint64
	Namespace uint32
	ID        int32
}

// Registry maps (scope, local id) pairs to global sequence numbers and
// back. Like the index it assumes one active writer.
type Registry struct {
	db     database.Database
	logger log.Log

	next   GlobalID
	loaded bool
}

// New creates a Registry over the given store.
func New(db database.Database, logger log.Log) *Registry {
	return &Registry{db: db, logger: logger}
}

// Invalidate drops the cached sequence counter so the next assignment
// reloads it from the store. Transaction owners call it after
// abandoning an uncommitted batch, whose counter advances were never
// persisted.
func (r *Registry) Invalidate() {
	r.next = 0
	r.loaded = false
}

// Apply folds one change log into the registry, staging all writes into
// the batch of the enclosing transaction.
func (r *Registry) Apply(batch database.Batch, cl histindex.ChangeLog) error {
	for _, ev := range cl {
		switch ev.Kind {
		case histindex.MessageAdded:
			if err := r.assign(batch, ev.Scope, ev.Message.ID); err != nil {
				return err
			}
		case histindex.MessageRemoved:
			if err := r.unassign(batch, ev.Scope, ev.Message.ID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown change event kind %d", ev.Kind)
		}
	}
	return nil
}

// Lookup returns the global id assigned to a message, if any.
func (r *Registry) Lookup(scope types.Scope, id types.LocalID) (GlobalID, bool, error) {
	value, err := r.db.Get(reverseKey(scope, id))
	if errors.Is(err, database.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s/%d: %w", scope, id, err)
	}
	if len(value) != 8 {
		return 0, false, fmt.Errorf("lookup %s/%d: malformed sequence value", scope, id)
	}
	return GlobalID(binary.BigEndian.Uint64(value)), true, nil
}

// Resolve returns the message a global id was assigned to, if any.
func (r *Registry) Resolve(gid GlobalID) (types.Scope, types.LocalID, bool, error) {
	value, err := r.db.Get(forwardKey(gid))
	if errors.Is(err, database.ErrNotFound) {
		return types.Scope{}, 0, false, nil
	}
	if err != nil {
		return types.Scope{}, 0, false, fmt.Errorf("resolve %d: %w", gid, err)
	}
	var rec idRecord
	if err := codec.Decode(value, &rec); err != nil {
		return types.Scope{}, 0, false, fmt.Errorf("resolve %d: %w", gid, err)
	}
	scope := types.Scope{Peer: types.PeerID(rec.Peer), Namespace: types.Namespace(rec.Namespace)}
	return scope, types.LocalID(rec.ID), true, nil
}

func (r *Registry) assign(batch database.Batch, scope types.Scope, id types.LocalID) error {
	if _, ok, err := r.Lookup(scope, id); err != nil {
		return err
	} else if ok {
		// already assigned, keep the original number
		return nil
	}
	gid, err := r.nextID()
	if err != nil {
		return err
	}
	value, err := codec.Encode(&idRecord{
		Peer:      uint64(scope.Peer),
		Namespace: uint32(scope.Namespace),
		ID:        int32(id),
	})
	if err != nil {
		return fmt.Errorf("encode id record: %w", err)
	}
	if err := batch.Put(forwardKey(gid), value); err != nil {
		return err
	}
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, uint64(gid))
	if err := batch.Put(reverseKey(scope, id), seq); err != nil {
		return err
	}
	r.logger.With().Debug("assigned global id", scope.Field(), id.Field(), log.Uint64("global_id", uint64(gid)))
	return batch.Put([]byte{counterPrefix}, counterValue(r.next))
}

func (r *Registry) unassign(batch database.Batch, scope types.Scope, id types.LocalID) error {
	gid, ok, err := r.Lookup(scope, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := batch.Delete(forwardKey(gid)); err != nil {
		return err
	}
	return batch.Delete(reverseKey(scope, id))
}

// nextID hands out the next sequence number, loading the persisted
// counter on first use.
func (r *Registry) nextID() (GlobalID, error) {
	if !r.loaded {
		value, err := r.db.Get([]byte{counterPrefix})
		switch {
		case errors.Is(err, database.ErrNotFound):
			r.next = 1
		case err != nil:
			return 0, fmt.Errorf("load sequence counter: %w", err)
		case len(value) != 8:
			return 0, fmt.Errorf("malformed sequence counter")
		default:
			r.next = GlobalID(binary.BigEndian.Uint64(value))
		}
		r.loaded = true
	}
	gid := r.next
	r.next++
	return gid, nil
}

func counterValue(next GlobalID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	return buf
}

func forwardKey(gid GlobalID) []byte {
	buf := make([]byte, 1+8)
	buf[0] = forwardPrefix
	binary.BigEndian.PutUint64(buf[1:], uint64(gid))
	return buf
}

func reverseKey(scope types.Scope, id types.LocalID) []byte {
	buf := make([]byte, 1+8+4+4)
	buf[0] = reversePrefix
	binary.BigEndian.PutUint64(buf[1:], uint64(scope.Peer))
	binary.BigEndian.PutUint32(buf[9:], uint32(scope.Namespace))
	binary.BigEndian.PutUint32(buf[13:], uint32(id))
	return buf
}
