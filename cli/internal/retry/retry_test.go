package retry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func isTransient(err error) bool { return errors.Is(err, errTransient) }

// recordingPolicy returns the default policy with sleeps recorded instead of slept.
func recordingPolicy(sleeps *[]time.Duration) Policy {
	p := Default(isTransient, nil)
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
	return p
}

func TestDo_succeedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	var sleeps []time.Duration
	calls := 0
	got, err := Do(context.Background(), recordingPolicy(&sleeps), func(context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", errTransient
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
}

func TestDo_exhaustsAttempts(t *testing.T) {
	t.Parallel()
	var sleeps []time.Duration
	calls := 0
	_, err := Do(context.Background(), recordingPolicy(&sleeps), func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	require.Error(t, err)
	assert.Same(t, errTransient, err)
	assert.Equal(t, DefaultMaxAttempts, calls)
	assert.Len(t, sleeps, DefaultMaxAttempts-1)
}

func TestDo_nonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()
	var sleeps []time.Duration
	calls := 0
	_, err := Do(context.Background(), recordingPolicy(&sleeps), func(context.Context) (int, error) {
		calls++
		return 0, errFatal
	})
	require.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps)
}

func TestDo_nilRetryableNeverRetries(t *testing.T) {
	t.Parallel()
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 5}, func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestDo_stopsOnCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := Default(isTransient, nil)
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	calls := 0
	_, err := Do(ctx, p, func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestDo_cancelledBeforeFirstAttempt(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Do(ctx, Default(isTransient, nil), func(context.Context) (int, error) {
		calls++
		return 0, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDo_realSleepHonoursContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p := Policy{MaxAttempts: 3, InitialDelay: time.Hour, Retryable: isTransient}
	start := time.Now()
	_, err := Do(ctx, p, func(context.Context) (int, error) { return 0, errTransient })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestDo_logsWarningBeforeSleep(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	var sleeps []time.Duration
	p := recordingPolicy(&sleeps)
	p.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errTransient
		}
		return 1, nil
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "retrying call")
	assert.Contains(t, out, "err=transient")
}

func TestPolicy_Delay(t *testing.T) {
	t.Parallel()
	p := Default(nil, nil)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}
