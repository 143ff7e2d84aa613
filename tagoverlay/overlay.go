// Package tagoverlay maintains per-tag message sets on top of the
// history index. Tag masks travel opaquely through index mutations;
// the overlay materializes them into scannable per-tag membership keys
// and clears them when messages are removed, all within the index's
// transaction.
package tagoverlay

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chatmesh/go-chatmesh/common/types"
	"github.com/chatmesh/go-chatmesh/database"
	"github.com/chatmesh/go-chatmesh/histindex"
	"github.com/chatmesh/go-chatmesh/log"
)

// Keyspace prefix owned by the overlay (history index: 0x01, global-id
// registry: 0x02/0x03/0x06, engine seed markers: 0x05).
const tablePrefix = byte(0x04)

// Per-scope sub-keys: slot 0 holds the message's full mask, slots
// 1..NumTags hold membership keys of the corresponding tag bit.
const maskSlot = byte(0x00)

// Overlay records which indexed messages carry which tags.
type Overlay struct {
	db     database.Database
	logger log.Log
}

// New creates an Overlay over the given store.
func New(db database.Database, logger log.Log) *Overlay {
	return &Overlay{db: db, logger: logger}
}

// Apply folds one change log into the overlay, staging all writes into
// the batch of the enclosing transaction.
func (o *Overlay) Apply(batch database.Batch, cl histindex.ChangeLog) error {
	for _, ev := range cl {
		switch ev.Kind {
		case histindex.MessageAdded:
			if err := o.add(batch, ev.Scope, ev.Message.ID, ev.Tags); err != nil {
				return err
			}
		case histindex.MessageRemoved:
			if err := o.remove(batch, ev.Scope, ev.Message.ID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown change event kind %d", ev.Kind)
		}
	}
	return nil
}

// Tags returns the tag mask recorded for a message, zero if none.
func (o *Overlay) Tags(scope types.Scope, id types.LocalID) (types.TagMask, error) {
	value, err := o.db.Get(slotKey(scope, maskSlot, id))
	if errors.Is(err, database.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tags of %s/%d: %w", scope, id, err)
	}
	if len(value) != 4 {
		return 0, fmt.Errorf("tags of %s/%d: malformed mask value", scope, id)
	}
	return types.TagMask(binary.BigEndian.Uint32(value)), nil
}

// Scan returns, in ascending id order, the messages of a scope carrying
// the given tag bit.
func (o *Overlay) Scan(scope types.Scope, tag int) ([]types.LocalID, error) {
	if tag < 0 || tag >= types.NumTags {
		return nil, fmt.Errorf("tag %d out of range", tag)
	}
	prefix := make([]byte, scopePrefixLen+1)
	copy(prefix, scopePrefix(scope))
	prefix[scopePrefixLen] = byte(tag) + 1
	it := o.db.Find(prefix)
	defer it.Release()
	var out []types.LocalID
	for it.Next() {
		key := it.Key()
		if len(key) != scopePrefixLen+1+4 {
			return nil, fmt.Errorf("malformed overlay key of length %d", len(key))
		}
		out = append(out, types.LocalID(binary.BigEndian.Uint32(key[scopePrefixLen+1:])))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("scan tag %d of %s: %w", tag, scope, err)
	}
	return out, nil
}

func (o *Overlay) add(batch database.Batch, scope types.Scope, id types.LocalID, tags types.TagMask) error {
	if tags == 0 {
		return nil
	}
	mask := make([]byte, 4)
	binary.BigEndian.PutUint32(mask, uint32(tags))
	if err := batch.Put(slotKey(scope, maskSlot, id), mask); err != nil {
		return err
	}
	for tag := 0; tag < types.NumTags; tag++ {
		if !tags.Has(tag) {
			continue
		}
		if err := batch.Put(slotKey(scope, byte(tag)+1, id), nil); err != nil {
			return err
		}
	}
	return nil
}

func (o *Overlay) remove(batch database.Batch, scope types.Scope, id types.LocalID) error {
	tags, err := o.Tags(scope, id)
	if err != nil {
		return err
	}
	if tags == 0 {
		return nil
	}
	if err := batch.Delete(slotKey(scope, maskSlot, id)); err != nil {
		return err
	}
	for tag := 0; tag < types.NumTags; tag++ {
		if !tags.Has(tag) {
			continue
		}
		if err := batch.Delete(slotKey(scope, byte(tag)+1, id)); err != nil {
			return err
		}
	}
	o.logger.With().Debug("cleared tags", scope.Field(), id.Field(), log.Uint32("mask", uint32(tags)))
	return nil
}

const scopePrefixLen = 1 + 8 + 4

func scopePrefix(scope types.Scope) []byte {
	buf := make([]byte, scopePrefixLen)
	buf[0] = tablePrefix
	binary.BigEndian.PutUint64(buf[1:], uint64(scope.Peer))
	binary.BigEndian.PutUint32(buf[9:], uint32(scope.Namespace))
	return buf
}

func slotKey(scope types.Scope, slot byte, id types.LocalID) []byte {
	buf := make([]byte, scopePrefixLen+1+4)
	copy(buf, scopePrefix(scope))
	buf[scopePrefixLen] = slot
	binary.BigEndian.PutUint32(buf[scopePrefixLen+1:], uint32(id))
	return buf
}
