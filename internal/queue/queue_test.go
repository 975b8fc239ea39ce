package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProcessor struct {
	mu   sync.Mutex
	fn   func(item *Item) error
	seen []string
}

func (s *stubProcessor) Process(_ context.Context, item *Item) error {
	s.mu.Lock()
	s.seen = append(s.seen, item.Handle)
	s.mu.Unlock()
	return s.fn(item)
}

func runQueue(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	return cancel
}

func TestSubmitDedupesNonTerminal(t *testing.T) {
	proc := &stubProcessor{fn: func(*Item) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}}
	q := New(Config{RetryInterval: time.Millisecond}, proc, func(*Item, string, error) {})

	assert.True(t, q.Submit("a.rar", SourceNew))
	assert.False(t, q.Submit("a.rar", SourceNew), "duplicate handle must be dropped while non-terminal")
}

func TestSuccessRunsExactlyOnceAndFreesHandle(t *testing.T) {
	var calls int
	var mu sync.Mutex
	proc := &stubProcessor{fn: func(*Item) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}}
	q := New(Config{RetryInterval: time.Millisecond}, proc, func(*Item, string, error) {})
	cancel := runQueue(t, q)
	defer cancel()

	q.Submit("a.rar", SourceNew)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return q.Submit("a.rar", SourceNew) }, time.Second, 5*time.Millisecond,
		"handle must become submittable again once terminal")
}

func TestRetryableErrorReschedulesUntilBudgetExhausted(t *testing.T) {
	var quarantined bool
	var reason string
	var mu sync.Mutex

	proc := &stubProcessor{fn: func(*Item) error {
		return fmt.Errorf("%w: volume missing", ErrRetryable)
	}}
	q := New(Config{MaxRetryAttempts: 2, RetryInterval: time.Millisecond}, proc, func(item *Item, r string, _ error) {
		mu.Lock()
		quarantined = true
		reason = r
		mu.Unlock()
	})
	cancel := runQueue(t, q)
	defer cancel()

	q.Submit("a.rar", SourceNew)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return quarantined
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Contains(t, reason, "retry budget exhausted")
	mu.Unlock()

	proc.mu.Lock()
	assert.GreaterOrEqual(t, len(proc.seen), 2)
	proc.mu.Unlock()
}

func TestQuarantineErrorSkipsRetries(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	quarantineCh := make(chan string, 1)

	proc := &stubProcessor{fn: func(*Item) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return fmt.Errorf("%w: password required", ErrQuarantine)
	}}
	q := New(Config{MaxRetryAttempts: 5, RetryInterval: time.Millisecond}, proc, func(_ *Item, reason string, _ error) {
		quarantineCh <- reason
	})
	cancel := runQueue(t, q)
	defer cancel()

	q.Submit("enc.rar", SourceNew)

	select {
	case <-quarantineCh:
	case <-time.After(time.Second):
		t.Fatal("expected immediate quarantine")
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, attempts, "encrypted archives must not be retried")
	mu.Unlock()
}

func TestAtMostOneRunningAtATime(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	var mu sync.Mutex

	proc := &stubProcessor{fn: func(*Item) error {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		concurrent--
		mu.Unlock()
		return nil
	}}
	q := New(Config{RetryInterval: time.Millisecond}, proc, func(*Item, string, error) {})
	cancel := runQueue(t, q)
	defer cancel()

	for i := 0; i < 5; i++ {
		q.Submit(fmt.Sprintf("vol-%d.rar", i), SourceNew)
	}

	require.Eventually(t, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return len(proc.seen) == 5
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, int32(1), maxConcurrent, "at most one item Running at any instant")
	mu.Unlock()
}
