package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelEvent_ListenNotify(t *testing.T) {
	event := NewChannelEvent[string](false)

	ch := make(chan string, 10)
	unregister := event.Listen(ch)
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify("one")
	event.Notify("two")

	assert.Equal(t, "one", <-ch)
	assert.Equal(t, "two", <-ch)

	unregister()
	assert.Equal(t, 0, event.ListenerCount())

	event.Notify("three")
	select {
	case v := <-ch:
		t.Errorf("unexpected value after unregister: %s", v)
	default:
	}
}

func TestChannelEvent_MultipleListeners(t *testing.T) {
	event := NewChannelEvent[int](false)

	ch1 := make(chan int, 10)
	ch2 := make(chan int, 10)
	unregister1 := event.Listen(ch1)
	unregister2 := event.Listen(ch2)
	require.Equal(t, 2, event.ListenerCount())

	event.Notify(42)
	assert.Equal(t, 42, <-ch1)
	assert.Equal(t, 42, <-ch2)

	unregister1()
	unregister2()
	assert.Equal(t, 0, event.ListenerCount())
}

func TestChannelEvent_ReplayLast(t *testing.T) {
	event := NewChannelEvent[string](true)

	// No notify yet: nothing to replay.
	early := make(chan string, 1)
	defer event.Listen(early)()
	select {
	case v := <-early:
		t.Errorf("unexpected replay before any notify: %s", v)
	case <-time.After(10 * time.Millisecond):
	}

	event.Notify("old")
	event.Notify("latest")

	late := make(chan string, 1)
	defer event.Listen(late)()
	assert.Equal(t, "latest", <-late)
}

func TestChannelEvent_FullChannelDoesNotBlock(t *testing.T) {
	event := NewChannelEvent[int](false)

	full := make(chan int) // unbuffered, nobody reading
	defer event.Listen(full)()

	done := make(chan struct{})
	go func() {
		event.Notify(1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full subscriber channel")
	}
}
