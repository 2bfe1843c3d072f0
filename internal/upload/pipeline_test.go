package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/streamly-studio/backend/pkg/apperr"
)

type flakyUploader struct {
	mu       sync.Mutex
	attempts map[string]int
	stored   []string
	failN    int // transient failures before each segment succeeds
	reject   map[string]bool
}

func key(seg Segment) string { return fmt.Sprintf("%s/%d", seg.Track, seg.Index) }

func (u *flakyUploader) UploadSegment(_ context.Context, seg Segment) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	k := key(seg)
	if u.reject[k] {
		return apperr.NotFound("recording")
	}
	u.attempts[k]++
	if u.attempts[k] <= u.failN {
		return errors.New("connection reset")
	}
	u.stored = append(u.stored, k)
	return nil
}

func (u *flakyUploader) storedKeys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.stored...)
}

type countingFinalizer struct {
	mu        sync.Mutex
	calls     int
	manifests []Manifest
	failFirst int
}

func (f *countingFinalizer) Finalize(_ context.Context, m Manifest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return apperr.Transient(errors.New("503"))
	}
	f.manifests = append(f.manifests, m)
	return nil
}

func newUploader(failN int) *flakyUploader {
	return &flakyUploader{attempts: make(map[string]int), failN: failN, reject: make(map[string]bool)}
}

func TestOrderedDeliveryUnderFailures(t *testing.T) {
	up := newUploader(2)
	p := New(context.Background(), up, &countingFinalizer{}, Options{RetryDelay: time.Millisecond, Logger: zaptest.NewLogger(t)})
	defer p.Close()

	var want []string
	for i := 0; i < 5; i++ {
		for _, track := range []string{"video", "audio"} {
			seg := Segment{SessionID: "s", ParticipantID: "p", Track: track, Index: i}
			require.NoError(t, p.Enqueue(seg))
			want = append(want, key(seg))
		}
	}
	p.CloseInput(map[string]int{"video": 5, "audio": 5})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Finalize(ctx, "s", "p", "Ana"))

	assert.Equal(t, want, up.storedKeys())
	assert.Equal(t, 1.0, p.Progress())
	for k, n := range up.attempts {
		assert.Equal(t, 3, n, k)
	}
}

func TestPermanentFailureDropsAndContinues(t *testing.T) {
	up := newUploader(0)
	up.reject["video/1"] = true
	var mu sync.Mutex
	var dropped []string
	p := New(context.Background(), up, &countingFinalizer{}, Options{
		RetryDelay: time.Millisecond,
		OnError: func(seg Segment, err error) {
			mu.Lock()
			defer mu.Unlock()
			assert.ErrorIs(t, err, apperr.ErrNotFound)
			dropped = append(dropped, key(seg))
		},
	})
	defer p.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Enqueue(Segment{Track: "video", Index: i}))
	}
	p.CloseInput(map[string]int{"video": 3})

	require.Eventually(t, func() bool { return p.Stats().Pending == 0 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"video/0", "video/2"}, up.storedKeys())
	mu.Lock()
	assert.Equal(t, []string{"video/1"}, dropped)
	mu.Unlock()

	st := p.Stats()
	assert.Equal(t, 3, st.Produced)
	assert.Equal(t, 2, st.Uploaded)
	assert.Equal(t, 1, st.Dropped)
	assert.InDelta(t, 2.0/3.0, p.Progress(), 1e-9)
}

func TestProgress(t *testing.T) {
	p := New(context.Background(), newUploader(0), &countingFinalizer{}, Options{RetryDelay: time.Millisecond})
	defer p.Close()

	assert.Equal(t, 0.0, p.Progress())
	p.CloseInput(nil)
	assert.Equal(t, 1.0, p.Progress())
}

func TestFinalizeWaitsForCaptureStopAndIsIdempotent(t *testing.T) {
	up := newUploader(0)
	fin := &countingFinalizer{failFirst: 1}
	p := New(context.Background(), up, fin, Options{RetryDelay: time.Millisecond})
	defer p.Close()
	require.NoError(t, p.Enqueue(Segment{Track: "audio", Index: 0}))

	errc := make(chan error, 1)
	go func() { errc <- p.Finalize(context.Background(), "s", "p", "Ana") }()

	select {
	case err := <-errc:
		t.Fatalf("finalize returned before capture stopped: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	p.CloseInput(map[string]int{"audio": 1, "video": 0})
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("finalize did not complete")
	}
	require.NoError(t, p.Finalize(context.Background(), "s", "p", "Ana"))

	fin.mu.Lock()
	defer fin.mu.Unlock()
	assert.Equal(t, 2, fin.calls)
	require.Len(t, fin.manifests, 1)
	assert.Equal(t, map[string]int{"audio": 1, "video": 0}, fin.manifests[0].Totals)
	assert.Equal(t, "Ana", fin.manifests[0].ParticipantName)
}

func TestFinalizeRespectsContext(t *testing.T) {
	p := New(context.Background(), newUploader(0), &countingFinalizer{}, Options{})
	defer p.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Finalize(ctx, "s", "p", ""), context.DeadlineExceeded)
}

func TestCloseAbandonsPendingRetry(t *testing.T) {
	up := newUploader(1 << 30)
	p := New(context.Background(), up, &countingFinalizer{}, Options{RetryDelay: time.Hour})
	require.NoError(t, p.Enqueue(Segment{Track: "video", Index: 0}))
	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.attempts["video/0"] == 1
	}, 5*time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close blocked on retry timer")
	}
	assert.Equal(t, 1, p.Stats().Pending)
}

func TestEnqueueAfterCloseInput(t *testing.T) {
	p := New(context.Background(), newUploader(0), &countingFinalizer{}, Options{})
	defer p.Close()
	p.CloseInput(nil)
	assert.ErrorIs(t, p.Enqueue(Segment{}), ErrInputClosed)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(apperr.NotFound("x")))
	assert.True(t, IsPermanent(apperr.Inconsistent("x")))
	assert.False(t, IsPermanent(errors.New("dial tcp: refused")))
	assert.False(t, IsPermanent(apperr.Transient(apperr.NotFound("x"))))
}
