package tracker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordFailure(t *testing.T) {
	tr := New()
	assert.Equal(t, 1, tr.RecordFailure("203.0.113.7"))
	assert.Equal(t, 2, tr.RecordFailure("203.0.113.7"))
	assert.Equal(t, 1, tr.RecordFailure("198.51.100.9"))
	assert.Equal(t, 2, tr.Count("203.0.113.7"))
}

func TestCountUntracked(t *testing.T) {
	assert.Equal(t, 0, New().Count("10.0.0.5"))
}

func TestClear(t *testing.T) {
	tr := New()
	tr.RecordFailure("203.0.113.7")
	tr.RecordFailure("203.0.113.7")
	tr.Clear("203.0.113.7")
	assert.Equal(t, 0, tr.Count("203.0.113.7"))
	assert.Equal(t, 1, tr.RecordFailure("203.0.113.7"))
}

func TestConcurrentRecording(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordFailure("203.0.113.7")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, tr.Count("203.0.113.7"))
}
