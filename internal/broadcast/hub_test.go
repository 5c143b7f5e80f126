package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"go.uber.org/zap/zaptest"
)

// tickingSource отдает снимок с монотонно растущим GeneratedAt.
type tickingSource struct {
	n    atomic.Int64
	base time.Time
	fail atomic.Bool
}

func (s *tickingSource) Snapshot(context.Context) (domain.MetricSnapshot, error) {
	if s.fail.Load() {
		return domain.MetricSnapshot{}, errors.New("redis down")
	}
	n := s.n.Add(1)
	return domain.MetricSnapshot{
		Global:      domain.GlobalMetrics{RunningCount: int(n)},
		GeneratedAt: s.base.Add(time.Duration(n) * time.Second),
	}, nil
}

type sseEvent struct {
	name  string
	data  string
	retry string
}

func readEvent(r *bufio.Reader) (sseEvent, error) {
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return ev, err
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			return ev, nil
		}
		field, value, _ := strings.Cut(line, ": ")
		switch field {
		case "event":
			ev.name = value
		case "data":
			ev.data = value
		case "retry":
			ev.retry = value
		}
	}
}

func connect(t *testing.T, ctx context.Context, url string) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

func newHub(t *testing.T) (*Hub, *tickingSource, *httptest.Server) {
	t.Helper()
	src := &tickingSource{base: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	h := NewHub(Config{Interval: time.Hour, RetryHint: 3 * time.Second, WriteTimeout: time.Second}, src, nil, zaptest.NewLogger(t))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, src, srv
}

func TestServeHTTP_RetryHintThenSnapshot(t *testing.T) {
	_, _, srv := newHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := connect(t, ctx, srv.URL)

	ev, err := readEvent(r)
	require.NoError(t, err)
	assert.Equal(t, "3000", ev.retry)

	ev, err = readEvent(r)
	require.NoError(t, err)
	assert.Equal(t, "snapshot", ev.name)

	var snap domain.MetricSnapshot
	require.NoError(t, json.Unmarshal([]byte(ev.data), &snap))
	assert.Equal(t, 1, snap.Global.RunningCount)
}

func TestKick_PushesFreshSnapshot(t *testing.T) {
	h, _, srv := newHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	r := connect(t, ctx, srv.URL)
	_, err := readEvent(r) // retry
	require.NoError(t, err)
	first, err := readEvent(r)
	require.NoError(t, err)

	h.Kick()
	next, err := readEvent(r)
	require.NoError(t, err)

	var a, b domain.MetricSnapshot
	require.NoError(t, json.Unmarshal([]byte(first.data), &a))
	require.NoError(t, json.Unmarshal([]byte(next.data), &b))
	assert.True(t, b.GeneratedAt.After(a.GeneratedAt))
}

func TestSubscriber_LatestWinsNeverBackward(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := &subscriber{notify: make(chan struct{}, 1)}

	s.offer(frame{at: base.Add(2 * time.Second), data: []byte("t2")})
	s.offer(frame{at: base.Add(1 * time.Second), data: []byte("t1")}) // опоздавший
	s.offer(frame{at: base.Add(3 * time.Second), data: []byte("t3")})

	f, ok := s.take()
	require.True(t, ok)
	assert.Equal(t, "t3", string(f.data))

	// Уже отдан t3: более старые и равные кадры не принимаются
	s.offer(frame{at: base.Add(2 * time.Second), data: []byte("t2")})
	s.offer(frame{at: base.Add(3 * time.Second), data: []byte("t3-dup")})
	_, ok = s.take()
	assert.False(t, ok)

	// Канал уведомлений не блокирует отправителя
	for i := 4; i < 10; i++ {
		s.offer(frame{at: base.Add(time.Duration(i) * time.Second)})
	}
	assert.Len(t, s.notify, 1)
}

// Отключение одного клиента не мешает остальным.
func TestHub_ManyClientsDisconnectOne(t *testing.T) {
	const n = 50
	h, _, srv := newHub(t)
	bg, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()

	readers := make([]*bufio.Reader, n)
	cancels := make([]context.CancelFunc, n)
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithCancel(bg)
		cancels[i] = cancel
		readers[i] = connect(t, ctx, srv.URL)
		_, err := readEvent(readers[i]) // retry
		require.NoError(t, err)
		_, err = readEvent(readers[i]) // начальный снимок
		require.NoError(t, err)
	}
	require.Equal(t, n, h.Clients())

	cancels[0]()
	require.Eventually(t, func() bool { return h.Clients() == n-1 }, 2*time.Second, 10*time.Millisecond)

	h.publish(bg)

	got := make(chan error, n)
	for i := 1; i < n; i++ {
		go func(r *bufio.Reader) {
			ev, err := readEvent(r)
			if err == nil && ev.name != "snapshot" {
				err = errors.New("unexpected event " + ev.name)
			}
			got <- err
		}(readers[i])
	}
	deadline := time.After(5 * time.Second)
	for i := 1; i < n; i++ {
		select {
		case err := <-got:
			require.NoError(t, err)
		case <-deadline:
			t.Fatalf("only %d of %d clients received the broadcast", i-1, n-1)
		}
	}
}

func TestPublish_SourceFailureKeepsClients(t *testing.T) {
	h, src, srv := newHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := connect(t, ctx, srv.URL)
	_, _ = readEvent(r)
	_, _ = readEvent(r)

	src.fail.Store(true)
	h.publish(ctx)
	assert.Equal(t, 1, h.Clients())

	src.fail.Store(false)
	h.publish(ctx)
	ev, err := readEvent(r)
	require.NoError(t, err)
	assert.Equal(t, "snapshot", ev.name)
}
