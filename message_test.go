package socketlib

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageCopyPreservesBytes(t *testing.T) {
	orig := NewMessage([]byte("hello world"))
	cp := orig.Copy()

	require.True(t, orig.Equal(cp))
	require.Equal(t, orig.Bytes(), cp.Bytes())

	// Mutating the copy's backing array must not affect the original
	// (P4: deep copy).
	cp.Bytes()[0] = 'H'
	require.NotEqual(t, orig.Bytes()[0], cp.Bytes()[0])
}

func TestMessageMoveEmptiesSource(t *testing.T) {
	m := NewMessage([]byte("payload"))
	moved := m.Move()

	require.Equal(t, "payload", moved.String())
	require.Equal(t, 0, m.Len())
	require.True(t, m.Empty())
}

func TestMessageEmptyNeverTransmitted(t *testing.T) {
	require.True(t, Message{}.Empty())
	require.True(t, NewMessage(nil).Empty())
	require.True(t, NewMessage([]byte{}).Empty())
	require.False(t, NewMessage([]byte{0}).Empty())
}

func TestMessageFromString(t *testing.T) {
	m := NewMessageString("hi!")
	require.Equal(t, "hi!", m.String())
	require.Equal(t, 3, m.Len())
}
