package socketlib

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamQueueEnqueueDequeueRoundTrip(t *testing.T) {
	q := NewStreamQueue(0)
	payload := []byte("the quick brown fox")

	q.Enqueue(payload)
	require.Equal(t, len(payload), q.Len())

	out := q.Dequeue(len(payload))
	require.Equal(t, payload, out)
	require.Equal(t, 0, q.Len())
}

func TestStreamQueuePeekDoesNotAdvance(t *testing.T) {
	q := NewStreamQueue(0)
	q.Enqueue([]byte("abcdef"))

	peeked := q.Peek(3)
	require.Equal(t, []byte("abc"), peeked)
	require.Equal(t, 6, q.Len(), "peek must not alter size")

	dequeued := q.Dequeue(3)
	require.Equal(t, []byte("abc"), dequeued)
	require.Equal(t, 3, q.Len())
}

func TestStreamQueueDequeueAtMostSize(t *testing.T) {
	q := NewStreamQueue(0)
	q.Enqueue([]byte("ab"))

	out := q.Dequeue(100)
	require.Equal(t, []byte("ab"), out)
	require.Nil(t, q.Dequeue(100))
}

func TestStreamQueueEnqueueMessageAndVector(t *testing.T) {
	q := NewStreamQueue(0)
	q.EnqueueMessage(NewMessageString("foo"))
	q.EnqueueVector([][]byte{[]byte("bar"), []byte("baz")})

	require.Equal(t, "foobarbaz", string(q.Dequeue(9)))
}
