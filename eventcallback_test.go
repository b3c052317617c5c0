package socketlib

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventCallbackOrderedInvocationOrder(t *testing.T) {
	ev := NewEventCallback[int, int]()
	var order []int
	ev.Add(func(a, b int) { order = append(order, 1) })
	ev.Add(func(a, b int) { order = append(order, 2) })
	ev.Add(func(a, b int) { order = append(order, 3) })

	ev.Invoke(0, 0)
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestEventCallbackEmptyShortCircuits(t *testing.T) {
	ev := NewEventCallback[int, int]()
	require.True(t, ev.Empty())
	// Must not panic or block even though there are zero subscribers.
	ev.Invoke(1, 2)
	ev.InvokeWithErrorHandler(1, 2, nil)
}

type countingSubscriber struct {
	count int
}

func (c *countingSubscriber) onEvent(a *Channel, b *Message) {
	c.count++
}

type panickingSubscriber struct{}

func (p *panickingSubscriber) onEvent(a *Channel, b *Message) {
	panic("boom")
}

// TestEventCallbackSubscriberExceptionIsolation mirrors spec.md §8
// scenario 4: one subscriber throws on every event, another counts; after
// N invocations the counter subscriber must have seen all N, and no
// panic should escape InvokeWithErrorHandler.
func TestEventCallbackSubscriberExceptionIsolation(t *testing.T) {
	ev := NewEventCallback[*Channel, *Message]()
	bad := &panickingSubscriber{}
	good := &countingSubscriber{}
	ev.AddMethod(bad, bad.onEvent)
	ev.AddMethod(good, good.onEvent)

	var recovered int32
	for i := 0; i < 100; i++ {
		ev.InvokeWithErrorHandler(nil, nil, func(recoveredValue any) {
			atomic.AddInt32(&recovered, 1)
		})
	}

	require.Equal(t, 100, good.count)
	require.Equal(t, int32(100), atomic.LoadInt32(&recovered))
}

// TestEventCallbackRemoveMethodRemovesEveryBoundInstance is the testable
// property P7: removing a method removes every bound instance of that
// method, regardless of which instance's bound value is passed to
// Remove.
func TestEventCallbackRemoveMethodRemovesEveryBoundInstance(t *testing.T) {
	ev := NewEventCallback[*Channel, *Message]()
	a := &countingSubscriber{}
	b := &countingSubscriber{}
	ev.AddMethod(a, a.onEvent)
	ev.AddMethod(b, b.onEvent)
	require.Equal(t, 2, ev.Len())

	removed := ev.Remove(a.onEvent)
	require.Equal(t, 2, removed, "removing one bound instance's method value removes every bound instance")
	require.Equal(t, 0, ev.Len())

	ev.Invoke(nil, nil)
	require.Equal(t, 0, a.count)
	require.Equal(t, 0, b.count)
}

func TestEventCallbackRemoveByID(t *testing.T) {
	ev := NewEventCallback[int, int]()
	var fired bool
	id := ev.Add(func(a, b int) { fired = true })
	require.True(t, ev.RemoveID(id))
	ev.Invoke(0, 0)
	require.False(t, fired)
}

func TestEventCallbackClear(t *testing.T) {
	ev := NewUnorderedEventCallback[int, int]()
	ev.Add(func(a, b int) {})
	ev.Add(func(a, b int) {})
	ev.Clear()
	require.True(t, ev.Empty())
}
