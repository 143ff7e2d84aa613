// Package engine ties the history index to its collaborators. Every
// operation runs as one transaction: the index mutation, the global-id
// registry and tag overlay updates derived from its change log, and
// the first-touch seeding marker all land in a single atomic batch.
package engine

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/chatmesh/go-chatmesh/common/types"
	"github.com/chatmesh/go-chatmesh/database"
	"github.com/chatmesh/go-chatmesh/globalid"
	"github.com/chatmesh/go-chatmesh/histindex"
	"github.com/chatmesh/go-chatmesh/log"
	"github.com/chatmesh/go-chatmesh/tagoverlay"
)

// Keyspace prefix for per-scope seeding markers (see histindex and
// globalid for the other prefixes).
const seedMarkerPrefix = byte(0x05)

// Engine is the single-writer entry point of the sync ledger.
// Mutators and partition reads are serialized on one mutex, so the
// Engine is safe for concurrent use; entries in different scopes never
// interact. Only the raw table accessors bypass the serialization.
type Engine struct {
	// one transaction at a time: the index cache and the registry
	// counter are not safe under concurrent commits
	mu       sync.Mutex
	db       database.Database
	index    *histindex.Table
	registry *globalid.Registry
	tags     *tagoverlay.Overlay
	policy   map[types.Namespace]bool
	logger   log.Log
}

// New creates an Engine with its index and collaborator tables over one
// shared store. policy is the per-namespace seeding configuration, read
// once at construction.
func New(db database.Database, policy map[types.Namespace]bool, logger log.Log) *Engine {
	return &Engine{
		db:       db,
		index:    histindex.New(db, logger.WithName("histindex"), histindex.WithConsistencyChecks()),
		registry: globalid.New(db, logger.WithName("globalid")),
		tags:     tagoverlay.New(db, logger.WithName("tagoverlay")),
		policy:   policy,
		logger:   logger,
	}
}

// Index exposes the underlying table. The accessor bypasses the
// engine's serialization, so scans through it must not overlap with
// mutators; concurrent callers use Entries instead.
func (e *Engine) Index() *histindex.Table { return e.index }

// Registry exposes the global-id registry for lookups. Lookups read
// committed state only, so they are safe alongside mutators.
func (e *Engine) Registry() *globalid.Registry { return e.registry }

// Tags exposes the tag overlay for scans. Scans read committed state
// only, so they are safe alongside mutators.
func (e *Engine) Tags() *tagoverlay.Overlay { return e.tags }

// Entries returns the scope's current partition.
func (e *Engine) Entries(scope types.Scope) ([]histindex.Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.Entries(scope)
}

// Scopes lists every scope with at least one entry.
func (e *Engine) Scopes() ([]types.Scope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.Scopes()
}

// Seed applies the scope's first-touch policy without any other
// mutation: a scope of a seeded namespace that has never been observed
// gets its implicit full hole. A no-op everywhere else.
func (e *Engine) Seed(scope types.Scope) error {
	_, err := e.run(scope, func(database.Batch) (histindex.ChangeLog, error) {
		return nil, nil
	})
	return err
}

// AddHole marks the zone containing id as unknown.
func (e *Engine) AddHole(scope types.Scope, id types.LocalID) (histindex.ChangeLog, error) {
	return e.run(scope, func(batch database.Batch) (histindex.ChangeLog, error) {
		return e.index.AddHole(batch, scope, id)
	})
}

// AddMessages inserts fetched messages.
func (e *Engine) AddMessages(scope types.Scope, msgs []histindex.InsertMessage, mode histindex.InsertMode) (histindex.ChangeLog, error) {
	return e.run(scope, func(batch database.Batch) (histindex.ChangeLog, error) {
		return e.index.AddMessages(batch, scope, msgs, mode)
	})
}

// FillHole applies a fetch result to the hole containing anchor.
func (e *Engine) FillHole(scope types.Scope, anchor types.LocalID, complete bool, dir histindex.FillDirection, msgs []histindex.InsertMessage) (histindex.ChangeLog, error) {
	return e.run(scope, func(batch database.Batch) (histindex.ChangeLog, error) {
		return e.index.FillHole(batch, scope, anchor, complete, dir, msgs)
	})
}

// RemoveMessage deletes a locally removed message from the ledger.
func (e *Engine) RemoveMessage(scope types.Scope, id types.LocalID) (histindex.ChangeLog, error) {
	return e.run(scope, func(batch database.Batch) (histindex.ChangeLog, error) {
		return e.index.RemoveMessage(batch, scope, id)
	})
}

func (e *Engine) run(scope types.Scope, mutate func(database.Batch) (histindex.ChangeLog, error)) (histindex.ChangeLog, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cl, err := e.transact(scope, mutate)
	if err != nil {
		// the index cache and the registry counter may hold edits of
		// the abandoned batch; drop them so the next access reloads
		// committed state
		e.index.Invalidate(scope)
		e.registry.Invalidate()
		return nil, err
	}
	return cl, nil
}

func (e *Engine) transact(scope types.Scope, mutate func(database.Batch) (histindex.ChangeLog, error)) (histindex.ChangeLog, error) {
	batch := e.db.NewBatch()
	if err := e.ensureSeeded(batch, scope); err != nil {
		return nil, err
	}
	cl, err := mutate(batch)
	if err != nil {
		return nil, err
	}
	if err := e.registry.Apply(batch, cl); err != nil {
		return nil, fmt.Errorf("scope %s: registry: %w", scope, err)
	}
	if err := e.tags.Apply(batch, cl); err != nil {
		return nil, fmt.Errorf("scope %s: tag overlay: %w", scope, err)
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("scope %s: commit: %w", scope, err)
	}
	return cl, nil
}

// ensureSeeded applies the namespace's first-touch policy: a scope
// first observed empty gets an implicit full hole at the space minimum.
// The marker makes the check run once per scope, so a scope that later
// becomes legitimately all confirmed-empty is never re-seeded.
func (e *Engine) ensureSeeded(batch database.Batch, scope types.Scope) error {
	if !e.policy[scope.Namespace] {
		return nil
	}
	marker := seedMarkerKey(scope)
	seen, err := e.db.Has(marker)
	if err != nil {
		return fmt.Errorf("scope %s: seed marker: %w", scope, err)
	}
	if seen {
		return nil
	}
	entries, err := e.index.Entries(scope)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		if _, err := e.index.AddHole(batch, scope, types.MinLocalID); err != nil {
			return err
		}
		e.logger.With().Info("seeded empty scope with full hole", scope.Field())
	}
	return batch.Put(marker, nil)
}

func seedMarkerKey(scope types.Scope) []byte {
	buf := make([]byte, 1+8+4)
	buf[0] = seedMarkerPrefix
	binary.BigEndian.PutUint64(buf[1:], uint64(scope.Peer))
	binary.BigEndian.PutUint32(buf[9:], uint32(scope.Namespace))
	return buf
}
