package itemlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"go.uber.org/zap/zaptest"
)

type recordingStorage struct {
	mu      sync.Mutex
	batches [][]domain.ItemOutcome
}

func (s *recordingStorage) WriteBatch(_ context.Context, outcomes []domain.ItemOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]domain.ItemOutcome(nil), outcomes...))
	return nil
}

func (s *recordingStorage) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestStopDrainsEverything(t *testing.T) {
	st := &recordingStorage{}
	w := NewWriter(Config{BufferSize: 100, BatchSize: 10, FlushInterval: time.Hour}, st, nil, zaptest.NewLogger(t))
	w.Start()

	for i := 0; i < 25; i++ {
		w.Log(domain.ItemOutcome{ItemID: fmt.Sprint(i), Status: domain.ItemOK})
	}
	w.Stop()

	assert.Equal(t, 25, st.total())
	for _, b := range st.batches {
		assert.LessOrEqual(t, len(b), 10)
	}

	// После Stop запись отбрасывается, не паникуя на закрытом канале
	w.Log(domain.ItemOutcome{ItemID: "late"})
	w.Stop()
	assert.Equal(t, 25, st.total())
}

func TestFlushByInterval(t *testing.T) {
	st := &recordingStorage{}
	w := NewWriter(Config{BufferSize: 10, BatchSize: 100, FlushInterval: 20 * time.Millisecond}, st, nil, zaptest.NewLogger(t))
	w.Start()
	defer w.Stop()

	w.Log(domain.ItemOutcome{ItemID: "a"})
	require.Eventually(t, func() bool { return st.total() == 1 }, time.Second, 5*time.Millisecond)

	st.mu.Lock()
	assert.False(t, st.batches[0][0].At.IsZero(), "timestamp is filled in")
	st.mu.Unlock()
}

func TestOverflowDrops(t *testing.T) {
	st := &recordingStorage{}
	w := NewWriter(Config{BufferSize: 2, BatchSize: 100, FlushInterval: time.Hour}, st, nil, zaptest.NewLogger(t))
	// Воркер не запущен: буфер заполняется
	for i := 0; i < 5; i++ {
		w.Log(domain.ItemOutcome{ItemID: fmt.Sprint(i)})
	}
	w.Start()
	w.Stop()
	assert.Equal(t, 2, st.total())
}
