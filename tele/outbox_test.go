package tele

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/evmotion/canble/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/spq"
)

func TestOutboxDelivers(t *testing.T) {
	t.Parallel()
	upstream := NewMemoryStore()
	ob, err := NewOutbox(spq.OnlyForTesting, upstream, 10*time.Millisecond, log2.NewStderr(log2.LDebug))
	require.NoError(t, err)
	defer ob.Close()
	ob.Now = func() time.Time { return time.Unix(1600000000, 0) }

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		s := testSnapshot()
		s.SpeedRpm = uint32(i)
		require.NoError(t, ob.AppendSnapshot(ctx, "u", s))
	}
	require.Eventually(t, func() bool { return upstream.Len("u") == 3 }, 5*time.Second, 5*time.Millisecond)
	list := upstream.List("u")
	assert.Equal(t, uint32(1), list[0].SpeedRpm)
	assert.Equal(t, uint32(3), list[2].SpeedRpm)
	// enqueue time is kept through delivery
	assert.Equal(t, time.Unix(1600000000, 0).UnixNano(), list[0].Time)
	stat := ob.Stat()
	assert.Equal(t, uint64(3), stat.Pushed)
	assert.Equal(t, uint64(3), stat.Sent)
}

func TestOutboxRetry(t *testing.T) {
	t.Parallel()
	upstream := NewMemoryStore()
	upstream.SetError(fmt.Errorf("offline"))
	ob, err := NewOutbox(spq.OnlyForTesting, upstream, 5*time.Millisecond, log2.NewStderr(log2.LDebug))
	require.NoError(t, err)
	defer ob.Close()

	require.NoError(t, ob.AppendSnapshot(context.Background(), "u", testSnapshot()))
	require.Eventually(t, func() bool { return ob.Stat().Retried >= 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, upstream.Len("u"))

	upstream.SetError(nil)
	require.Eventually(t, func() bool { return upstream.Len("u") == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestOutboxRetryOnFlush(t *testing.T) {
	t.Parallel()
	upstream := NewMemoryStore()
	upstream.SetError(fmt.Errorf("offline"))
	ob, err := NewOutbox(spq.OnlyForTesting, upstream, time.Hour, log2.NewStderr(log2.LError))
	require.NoError(t, err)
	defer ob.Close()

	require.NoError(t, ob.AppendSnapshot(context.Background(), "u", testSnapshot()))
	require.Eventually(t, func() bool { return ob.Stat().Retried == 1 }, 5*time.Second, 5*time.Millisecond)
	upstream.SetError(nil)
	// no retry before next flush
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, upstream.Len("u"))
	assert.Equal(t, uint64(1), ob.Stat().Retried)

	ob.Flush()
	require.Eventually(t, func() bool { return upstream.Len("u") == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), ob.Stat().Sent)
	// idle worker ignores extra flushes
	ob.Flush()
	ob.Flush()
}

func TestOutboxInvalid(t *testing.T) {
	t.Parallel()
	_, err := NewOutbox("", Noop{}, 0, nil)
	assert.Error(t, err)

	ob, err := NewOutbox(spq.OnlyForTesting, Noop{}, 0, nil)
	require.NoError(t, err)
	assert.Error(t, ob.AppendSnapshot(context.Background(), "", testSnapshot()))
	ob.Close()
	assert.Error(t, ob.AppendSnapshot(context.Background(), "u", testSnapshot()))
}
