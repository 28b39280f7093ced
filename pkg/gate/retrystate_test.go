package gate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryState_Exhausted(t *testing.T) {
	r := &RetryState{Max: 2}
	assert.False(t, r.Exhausted())

	assert.Equal(t, 1, r.Consume())
	assert.False(t, r.Exhausted())

	assert.Equal(t, 2, r.Consume())
	assert.True(t, r.Exhausted())

	r.Consume()
	assert.True(t, r.Exhausted())
}

func TestRetryState_ZeroBudgetAlwaysExhausted(t *testing.T) {
	r := &RetryState{Max: 0}
	assert.True(t, r.Exhausted())
}

func TestRetryState_ConcurrentConsume(t *testing.T) {
	r := &RetryState{Max: 1000}

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				r.Consume()
				r.Exhausted()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 640, r.Attempts())
	assert.False(t, r.Exhausted())
}

func TestNewRetryState_UsesGateBudget(t *testing.T) {
	g := New(nil, nil, Options{MaxRetries: 5})
	r := g.NewRetryState()
	assert.Equal(t, 0, r.Attempts())
	assert.Equal(t, 5, r.Max)
	assert.False(t, r.Exhausted())
}
