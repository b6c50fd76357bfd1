package sequence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFIFOOrder(t *testing.T) {
	q := NewFIFO[string]()
	q.Push("a")
	q.Push("b")
	q.Push("c")
	assert.Equal(t, 3, q.Len())

	v, ok := q.Peek()
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestFIFOClear(t *testing.T) {
	q := NewFIFO[int]()
	q.Push(1)
	q.Push(2)
	assert.Equal(t, 2, q.Clear())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.Clear())
}

func TestFIFOConcurrent(t *testing.T) {
	q := NewFIFO[int]()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push(n*100 + j)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1000, q.Len())
}
