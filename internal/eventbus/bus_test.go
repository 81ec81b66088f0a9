package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeDelivered})
	b.Publish(Event{Type: TypeSkipped})

	got := <-a
	assert.Equal(t, TypeDelivered, got.Type)
	assert.False(t, got.Time.IsZero())
	require.Len(t, c, 2)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: TypeFailed})
}

func TestRecentWrapsOldestFirst(t *testing.T) {
	r := NewRecent(3)
	for _, typ := range []string{"a", "b", "c", "d"} {
		r.Add(Event{Type: typ})
	}
	var types []string
	for _, e := range r.List() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"b", "c", "d"}, types)
}
