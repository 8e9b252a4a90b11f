package dedupe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/billing-reconciler/internal/billing"
)

type memReceipts struct {
	mu       sync.Mutex
	receipts map[string]billing.EventReceipt
	failRead error
}

func newMemReceipts() *memReceipts {
	return &memReceipts{receipts: map[string]billing.EventReceipt{}}
}

func (m *memReceipts) EventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRead != nil {
		return false, m.failRead
	}
	_, ok := m.receipts[eventID]
	return ok, nil
}

func (m *memReceipts) RecordEvent(_ context.Context, r *billing.EventReceipt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.EventID]; ok {
		return false, nil
	}
	m.receipts[r.EventID] = *r
	return true, nil
}

func TestDoRecordsReceiptOnSuccess(t *testing.T) {
	receipts := newMemReceipts()
	d := New(receipts, nil)
	ctx := context.Background()

	calls := 0
	handler := func(context.Context) error { calls++; return nil }

	already, err := d.Do(ctx, "evt_1", "invoice.payment_succeeded", handler)
	require.NoError(t, err)
	assert.False(t, already)

	already, err = d.Do(ctx, "evt_1", "invoice.payment_succeeded", handler)
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, 1, calls)

	r := receipts.receipts["evt_1"]
	assert.Equal(t, "invoice.payment_succeeded", r.EventType)
	assert.Len(t, r.ID, 26, "receipt ids are ULIDs")
}

func TestDoFailureLeavesNoReceipt(t *testing.T) {
	receipts := newMemReceipts()
	d := New(receipts, nil)
	ctx := context.Background()

	boom := errors.New("store down")
	_, err := d.Do(ctx, "evt_1", "t", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Empty(t, receipts.receipts)

	calls := 0
	already, err := d.Do(ctx, "evt_1", "t", func(context.Context) error { calls++; return nil })
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, 1, calls, "retry re-runs the handler")
}

func TestDoInFlight(t *testing.T) {
	d := New(newMemReceipts(), nil)
	ctx := context.Background()

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := d.Do(ctx, "evt_1", "t", func(context.Context) error {
			close(started)
			<-finish
			return nil
		})
		done <- err
	}()
	<-started

	_, err := d.Do(ctx, "evt_1", "t", func(context.Context) error {
		t.Error("concurrent delivery must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrInFlight)

	close(finish)
	require.NoError(t, <-done)

	already, err := d.Do(ctx, "evt_1", "t", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, already)
}

func TestDoValidatesInput(t *testing.T) {
	d := New(newMemReceipts(), nil)
	_, err := d.Do(context.Background(), " ", "t", func(context.Context) error { return nil })
	assert.Error(t, err)
	_, err = d.Do(context.Background(), "evt_1", "t", nil)
	assert.Error(t, err)
}

func TestDoReceiptReadFailure(t *testing.T) {
	receipts := newMemReceipts()
	receipts.failRead = errors.New("db locked")
	d := New(receipts, nil)

	_, err := d.Do(context.Background(), "evt_1", "t", func(context.Context) error {
		t.Error("handler must not run when receipts are unreadable")
		return nil
	})
	assert.Error(t, err)
}

func TestMemoryLockerExpiry(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.Acquire(ctx, "k", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	release2, ok, _ := l.Acquire(ctx, "k", time.Minute)
	assert.True(t, ok, "expired lock is free")

	// The stale holder's release must not free the new holder's lock.
	release()
	_, ok, _ = l.Acquire(ctx, "k", time.Minute)
	assert.False(t, ok)

	release2()
	_, ok, _ = l.Acquire(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestRedisLocker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	ctx := context.Background()
	l, err := NewRedisLocker(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	release, ok, err := l.Acquire(ctx, "billing:event-lock:evt_1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("billing:event-lock:evt_1"))

	_, ok, err = l.Acquire(ctx, "billing:event-lock:evt_1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	assert.False(t, mr.Exists("billing:event-lock:evt_1"))

	_, ok, err = l.Acquire(ctx, "billing:event-lock:evt_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("billing:event-lock:evt_1"), "lock expires with its ttl")
}

func TestRedisLockerWithDeduper(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	l, err := NewRedisLocker(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	d := New(newMemReceipts(), l)
	already, err := d.Do(context.Background(), "evt_1", "t", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, already)
	assert.Empty(t, mr.Keys(), "lock released after processing")
}

func TestNewRedisLockerBadURL(t *testing.T) {
	_, err := NewRedisLocker(context.Background(), "not a url")
	assert.Error(t, err)
}
