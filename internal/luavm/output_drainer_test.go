package luavm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTranscriptSnapshotReturnsWrittenBytes(t *testing.T) {
	tr := NewTranscript(64)
	tr.write([]byte("hello "))
	tr.write([]byte("world"))

	require.Equal(t, "hello world", string(tr.Snapshot()))
	// Snapshot must not consume: a second call sees the same bytes.
	require.Equal(t, "hello world", string(tr.Snapshot()))
}

func TestTranscriptEmptySnapshot(t *testing.T) {
	tr := NewTranscript(16)
	require.Nil(t, tr.Snapshot())
}

func TestTranscriptOverflowDropsOldestBytes(t *testing.T) {
	tr := NewTranscript(8)
	tr.write([]byte("0123456789")) // 10 bytes into an 8-byte ring

	got := string(tr.Snapshot())
	require.LessOrEqual(t, len(got), 8)
	require.True(t, strings.HasSuffix("0123456789", got), "expected a suffix of the written bytes, got %q", got)
}

func TestTranscriptDefaultCapacity(t *testing.T) {
	tr := NewTranscript(0)
	tr.write([]byte("x"))
	require.Equal(t, "x", string(tr.Snapshot()))
}
