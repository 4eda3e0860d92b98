package leaf

import "testing"

func TestValue_RawStripsTags(t *testing.T) {
	tests := []struct {
		name   string
		handle uint64
	}{
		{name: "zero", handle: 0},
		{name: "small", handle: 99},
		{name: "near top bits", handle: 1 << 61},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValue(tt.handle)
			if v.Raw() != tt.handle {
				t.Errorf("Raw() = %d, want %d", v.Raw(), tt.handle)
			}
			if v.IsCopied() || v.IsSynced() {
				t.Errorf("fresh NewValue must carry no tags")
			}
		})
	}
}

func TestValue_MarkCopiedThenSynced(t *testing.T) {
	v := NewValue(123)

	copied := v.MarkCopied()
	if !copied.IsCopied() {
		t.Fatalf("MarkCopied() did not set CopyMask")
	}
	if copied.IsSynced() {
		t.Errorf("MarkCopied() must not also set SyncMask")
	}
	if copied.Raw() != 123 {
		t.Errorf("MarkCopied() changed Raw() to %d, want 123", copied.Raw())
	}

	synced := copied.MarkSynced()
	if synced.IsCopied() {
		t.Errorf("MarkSynced() must clear CopyMask")
	}
	if !synced.IsSynced() {
		t.Errorf("MarkSynced() did not set SyncMask")
	}
	if synced.Raw() != 123 {
		t.Errorf("MarkSynced() changed Raw() to %d, want 123", synced.Raw())
	}
}

func TestValue_ClearTags(t *testing.T) {
	v := NewValue(7).MarkCopied()
	cleared := v.ClearTags()
	if cleared.IsCopied() || cleared.IsSynced() {
		t.Errorf("ClearTags() left a tag set: %v", cleared)
	}
	if cleared.Raw() != 7 {
		t.Errorf("ClearTags() changed Raw() to %d, want 7", cleared.Raw())
	}
}
