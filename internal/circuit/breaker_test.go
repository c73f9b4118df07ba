package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  100 * time.Millisecond,
		OperationTimeout: 50 * time.Millisecond,
		MonitoringWindow: time.Minute,
	}
}

var errBoom = errors.New("boom")

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("svc", testConfig())

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
		require.ErrorIs(t, err, errBoom)
	}

	require.Equal(t, StateOpen, b.State())

	invoked := false
	start := time.Now()
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked, "operation must not run while circuit is open")
	assert.Less(t, elapsed, 100*time.Millisecond)
}

func TestClosesAfterRecoveryAndSuccessThreshold(t *testing.T) {
	cfg := testConfig()
	b := NewBreaker("svc", cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(cfg.RecoveryTimeout + 10*time.Millisecond)

	for i := 0; i < cfg.SuccessThreshold; i++ {
		err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
		require.NoError(t, err)
	}

	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	b := NewBreaker("svc", cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	}
	time.Sleep(cfg.RecoveryTimeout + 10*time.Millisecond)

	err := b.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestOperationTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	b := NewBreaker("svc", cfg)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestManagerRegisterIsIdempotent(t *testing.T) {
	m := NewManager()
	defer m.Close()

	b1 := m.Register("svc", testConfig())
	b2 := m.Register("svc", DefaultConfig())
	assert.Same(t, b1, b2)
}

func TestUnregisterStopsRecoveryTimer(t *testing.T) {
	m := NewManager()
	defer m.Close()

	cfg := testConfig()
	m.Register("svc", cfg)
	b, _ := m.Get("svc")
	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	}
	require.Equal(t, StateOpen, b.State())

	m.Unregister("svc")
	_, ok := m.Get("svc")
	assert.False(t, ok)

	b.mu.Lock()
	assert.Nil(t, b.recoveryTimer, "unregister must cancel the pending recovery timer")
	b.mu.Unlock()
}
