package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsWorkerID(t *testing.T) {
	_, err := New(-1)
	assert.Error(t, err)
	_, err = New(maxWorkerID + 1)
	assert.Error(t, err)
}

func TestGenerateUniqueAndIncreasing(t *testing.T) {
	s, err := New(7)
	require.NoError(t, err)

	var prev int64
	for i := 0; i < 10000; i++ {
		id := s.Generate()
		require.Greater(t, id, prev)
		assert.Equal(t, int64(7), (id>>workerIDShift)&maxWorkerID)
		prev = id
	}
}

func TestGenerateClockRollback(t *testing.T) {
	s, err := New(1)
	require.NoError(t, err)

	ts := epoch + 1000
	s.now = func() int64 { return ts }
	first := s.Generate()

	ts -= 10
	second := s.Generate()
	assert.Greater(t, second, first)
}

func TestGenerateConcurrent(t *testing.T) {
	s, err := New(3)
	require.NoError(t, err)

	const workers, perWorker = 8, 500
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := s.Generate()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

func TestTransferNo(t *testing.T) {
	no := Default().TransferNo()
	assert.True(t, strings.HasPrefix(no, "TRF"))
	assert.Len(t, no, 3+14+8)
}
