package leaf

// Value is the opaque 64-bit handle stored in a slot. Its top two bits
// are reserved by the split protocol (spec.md §3): bit 63 is SyncMask,
// bit 62 is CopyMask. User-visible values must fit in the low 62 bits;
// Value is a distinct type specifically so those tag bits cannot leak
// into caller-visible handles by accident (spec.md §9's "do not let tag
// bits leak into user-visible values").
type Value uint64

const (
	syncMask Value = 1 << 63
	copyMask Value = 1 << 62
	tagMask  Value = syncMask | copyMask
)

// NewValue wraps a user handle with no tags set.
func NewValue(handle uint64) Value {
	return Value(handle) &^ tagMask
}

// Raw strips any tag bits and returns the plain user-visible handle.
func (v Value) Raw() uint64 {
	return uint64(v &^ tagMask)
}

// MarkCopied returns v with CopyMask set, recording that this slot's
// value was produced by split Phase 1 (copy) and has not yet been
// reconciled against concurrent mutation of the original leaf.
func (v Value) MarkCopied() Value {
	return (v &^ tagMask) | copyMask
}

// MarkSynced returns v with CopyMask cleared and SyncMask set, recording
// that split Phase 2 (sync) has reconciled this slot.
func (v Value) MarkSynced() Value {
	return (v &^ tagMask) | syncMask
}

// ClearTags strips both tag bits, leaving the raw handle re-tagged as
// ordinary (untagged) storage.
func (v Value) ClearTags() Value {
	return v &^ tagMask
}

// IsCopied reports whether CopyMask is set.
func (v Value) IsCopied() bool {
	return v&copyMask != 0
}

// IsSynced reports whether SyncMask is set.
func (v Value) IsSynced() bool {
	return v&syncMask != 0
}
