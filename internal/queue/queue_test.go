package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testItem is a simple struct for testing the generic queue
type testItem struct {
	ID       int
	Producer int
}

func TestQueue_New(t *testing.T) {
	q := New[testItem]()
	require.NotNil(t, q)
	assert.True(t, q.Empty())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(0), q.Accepted())
}

func TestQueue_Push(t *testing.T) {
	q := New[testItem]()

	q.Push(testItem{ID: 1})
	assert.Equal(t, 1, q.Len())

	q.Push(testItem{ID: 2}, testItem{ID: 3})
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(3), q.Accepted())

	q.Push()
	assert.Equal(t, uint64(3), q.Accepted())
}

func TestQueue_GetAndEmpty(t *testing.T) {
	q := NewWithCapacity[testItem](8)
	q.Push(testItem{ID: 1}, testItem{ID: 2}, testItem{ID: 3})

	result := q.GetAndEmpty()

	require.Len(t, result, 3)
	assert.Equal(t, 1, result[0].ID)
	assert.Equal(t, 2, result[1].ID)
	assert.Equal(t, 3, result[2].ID)
	assert.True(t, q.Empty())
	assert.Equal(t, uint64(3), q.Accepted(), "accepted count survives a drain")
}

func TestQueue_GetAndEmptyOnEmpty(t *testing.T) {
	q := New[testItem]()
	assert.Empty(t, q.GetAndEmpty())
}

func TestQueue_DrainThenPushStartsFreshBatch(t *testing.T) {
	q := New[testItem]()
	q.Push(testItem{ID: 1}, testItem{ID: 2})
	first := q.GetAndEmpty()

	q.Push(testItem{ID: 3})
	second := q.GetAndEmpty()

	require.Len(t, first, 2)
	require.Len(t, second, 1)
	assert.Equal(t, 3, second[0].ID)
	// the first batch must not be overwritten by later pushes
	assert.Equal(t, 1, first[0].ID)
	assert.Equal(t, 2, first[1].ID)
}

// Concurrent producers and a draining consumer: every pushed item comes out
// exactly once and each producer's items stay in push order.
func TestQueue_ConcurrentDrainNeverLosesOrDuplicates(t *testing.T) {
	const producers = 8
	const perProducer = 2000

	q := New[testItem]()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(testItem{ID: i, Producer: p})
			}
		}(p)
	}

	done := make(chan struct{})
	var drained []testItem
	go func() {
		defer close(done)
		for {
			batch := q.GetAndEmpty()
			drained = append(drained, batch...)
			if len(drained) == producers*perProducer {
				return
			}
		}
	}()

	wg.Wait()
	<-done

	require.Len(t, drained, producers*perProducer)
	assert.Equal(t, uint64(producers*perProducer), q.Accepted())

	next := make([]int, producers)
	for _, item := range drained {
		require.Equal(t, next[item.Producer], item.ID, "producer %d out of order", item.Producer)
		next[item.Producer]++
	}
	for p, n := range next {
		assert.Equal(t, perProducer, n, "producer %d", p)
	}
}

func TestQueue_CloseRejectsLatePushes(t *testing.T) {
	q := New[testItem]()
	assert.True(t, q.Push(testItem{ID: 1}))
	q.Close()

	assert.False(t, q.Push(testItem{ID: 2}, testItem{ID: 3}))
	assert.Equal(t, uint64(1), q.Accepted())
	assert.Equal(t, uint64(2), q.Rejected())

	items := q.GetAndEmpty()
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].ID)
	assert.True(t, q.Empty())
}
