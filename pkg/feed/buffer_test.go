package feed

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubiojr/pulse/pkg/core"
)

func event(id string) core.ActivityEvent {
	return core.ActivityEvent{
		ID:        id,
		Type:      core.EventDownload,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Metadata:  core.Download{Count: 1},
	}
}

func ids(events []core.ActivityEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestBufferNewestFirst(t *testing.T) {
	b := NewBuffer(3)
	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, b.Add(event(id)))
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids(b.Items()))
}

func TestBufferBounded(t *testing.T) {
	const capacity = 5
	for _, extra := range []int{0, 1, 7, 50} {
		t.Run(fmt.Sprintf("extra=%d", extra), func(t *testing.T) {
			b := NewBuffer(capacity)
			total := capacity + extra
			for i := 0; i < total; i++ {
				b.Add(event(fmt.Sprintf("e%d", i)))
			}
			require.Equal(t, capacity, b.Len())

			want := make([]string, 0, capacity)
			for i := total - 1; i >= total-capacity; i-- {
				want = append(want, fmt.Sprintf("e%d", i))
			}
			assert.Equal(t, want, ids(b.Items()))
		})
	}
}

func TestBufferDuplicateReplacesInPlace(t *testing.T) {
	b := NewBuffer(10)
	b.Add(event("a"))
	b.Add(event("b"))

	updated := event("a")
	updated.Metadata = core.Download{Count: 42}
	assert.False(t, b.Add(updated))

	items := b.Items()
	assert.Equal(t, []string{"b", "a"}, ids(items))
	assert.Equal(t, core.Download{Count: 42}, items[1].Metadata)
}

func TestBufferIdsUnique(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	b := NewBuffer(20)
	for i := 0; i < 1000; i++ {
		b.Add(event(fmt.Sprintf("e%d", rng.Intn(40))))

		seen := map[string]bool{}
		for _, id := range ids(b.Items()) {
			require.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}
	}
}

func TestBufferDefaults(t *testing.T) {
	b := NewBuffer(0)
	assert.Equal(t, DefaultCapacity, b.Cap())
	b.Add(event("a"))
	b.Reset()
	assert.Zero(t, b.Len())
}
