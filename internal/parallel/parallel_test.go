package parallel

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForCoversRangeOnce(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 4, MinChunkSize: 8}

	n := 1000
	seen := make([]int32, n)
	var mu sync.Mutex
	var chunks int
	For(n, cfg, func(start, end int) {
		mu.Lock()
		chunks++
		mu.Unlock()
		for i := start; i < end; i++ {
			atomic.AddInt32(&seen[i], 1)
		}
	})

	for i, v := range seen {
		if v != 1 {
			t.Fatalf("index %d visited %d times", i, v)
		}
	}
	assert.Equal(t, 4, chunks)
}

func TestForSequential(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		n    int
	}{
		{"disabled", Config{Enabled: false, NumWorkers: 8, MinChunkSize: 1}, 100},
		{"single worker", Config{Enabled: true, NumWorkers: 1, MinChunkSize: 1}, 100},
		{"below chunk", Config{Enabled: true, NumWorkers: 8, MinChunkSize: 64}, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls [][2]int
			For(tc.n, tc.cfg, func(start, end int) {
				calls = append(calls, [2]int{start, end})
			})
			assert.Equal(t, [][2]int{{0, tc.n}}, calls)
		})
	}
}

func TestForEmpty(t *testing.T) {
	called := false
	For(0, DefaultConfig(), func(_, _ int) { called = true })
	assert.False(t, called)
}
