package histindex

import "github.com/chatmesh/go-chatmesh/common/types"

// ChangeKind discriminates change log events.
type ChangeKind uint8

const (
	// MessageAdded reports a MessageEntry newly inserted into the index.
	MessageAdded ChangeKind = iota + 1
	// MessageRemoved reports a MessageEntry removed from the index.
	MessageRemoved
)

// ChangeEvent describes one message-level effect of a mutation. Hole
// bookkeeping is internal to the index and never reported; collaborators
// only track messages.
type ChangeEvent struct {
	Kind    ChangeKind
	Scope   types.Scope
	Message types.Message
	// Tags is forwarded opaquely from the caller for added messages.
	// The index itself is tag-agnostic.
	Tags types.TagMask
}

// ChangeLog is the ordered list of events produced by one mutation. It
// is the sole channel by which effects propagate to collaborators
// (global-id registry, tag overlays), which must commit their derived
// updates in the same transaction as the index mutation.
type ChangeLog []ChangeEvent

func (cl *ChangeLog) added(scope types.Scope, msg types.Message, tags types.TagMask) {
	*cl = append(*cl, ChangeEvent{Kind: MessageAdded, Scope: scope, Message: msg, Tags: tags})
}

func (cl *ChangeLog) removed(scope types.Scope, msg types.Message) {
	*cl = append(*cl, ChangeEvent{Kind: MessageRemoved, Scope: scope, Message: msg})
}
