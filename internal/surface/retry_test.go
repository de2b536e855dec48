package surface

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyMessenger struct {
	failures int
	calls    int
	mode     Mode
}

func (f *flakyMessenger) SendMessage(context.Context, string, string) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient delivery failure")
	}
	return nil
}

func (f *flakyMessenger) Mode() Mode { return f.mode }

func TestRetryingMessenger_SucceedsAfterRetry(t *testing.T) {
	next := &flakyMessenger{failures: 2}
	r := NewRetryingMessenger(next, 3, 2*time.Second, nil)

	var slept []time.Duration
	r.sleep = func(d time.Duration) { slept = append(slept, d) }

	require.NoError(t, r.SendMessage(context.Background(), "thread-1", "hello"))
	assert.Equal(t, 3, next.calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, slept, "linear backoff")
}

func TestRetryingMessenger_ExhaustedRetriesReturnNil(t *testing.T) {
	next := &flakyMessenger{failures: 10}
	r := NewRetryingMessenger(next, 3, time.Second, nil)
	r.sleep = func(time.Duration) {}

	assert.NoError(t, r.SendMessage(context.Background(), "thread-1", "hello"),
		"delivery failure must not fail the request")
	assert.Equal(t, 3, next.calls)
}

func TestRetryingMessenger_NoSleepOnFirstSuccess(t *testing.T) {
	next := &flakyMessenger{}
	r := NewRetryingMessenger(next, 3, time.Second, nil)
	r.sleep = func(time.Duration) { t.Fatal("sleep must not be called") }

	require.NoError(t, r.SendMessage(context.Background(), "thread-1", "hello"))
	assert.Equal(t, 1, next.calls)
}

func TestRetryingMessenger_ModeDelegates(t *testing.T) {
	r := NewRetryingMessenger(&flakyMessenger{mode: ModeBatch}, 3, time.Second, nil)
	assert.Equal(t, ModeBatch, r.Mode())
}

func TestNewRetryingMessenger_MinAttempts(t *testing.T) {
	r := NewRetryingMessenger(&flakyMessenger{}, 0, time.Second, nil)
	assert.Equal(t, 1, r.Attempts)
}

func TestConsoleMessenger(t *testing.T) {
	var buf bytes.Buffer
	c := &ConsoleMessenger{Out: &buf}

	require.NoError(t, c.SendMessage(context.Background(), "thread-1", "hello"))
	assert.Equal(t, "hello\n", buf.String())
	assert.Equal(t, ModeStream, c.Mode())
}
