package telemetry

import (
	"sync"
	"testing"

	"github.com/evmotion/canble/canbus"
	"github.com/evmotion/canble/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testMotor   = canbus.MotorMetrics{SpeedRPM: 16, CurrentAmps: 10, VoltageVolts: 49.6, ErrorCode: 1, ErrorMessages: []string{"ERR0: Identification Error"}}
	testControl = canbus.ControlMetrics{ThrottleRaw: 255, ControllerTempC: 50, MotorTempC: 45}
)

func TestMergeKeyed(t *testing.T) {
	t.Parallel()
	s, ok := Merge(LiveState{}, testMotor)
	require.True(t, ok)
	require.NotNil(t, s.Motor)
	assert.Nil(t, s.Control)
	assert.False(t, s.Complete())

	s2, ok := Merge(s, testControl)
	require.True(t, ok)
	assert.True(t, s2.Complete())
	assert.Equal(t, testMotor, *s2.Motor)
	assert.Equal(t, testControl, *s2.Control)
	assert.Equal(t, uint64(2), s2.Seq)

	// input state is not modified
	assert.Nil(t, s.Control)
	assert.Equal(t, uint64(1), s.Seq)

	m2 := testMotor
	m2.SpeedRPM = 500
	s3, _ := Merge(s2, &m2)
	assert.Equal(t, uint16(500), s3.Motor.SpeedRPM)
	assert.Equal(t, testControl, *s3.Control)
}

func TestMergeUnrecognized(t *testing.T) {
	t.Parallel()
	s, _ := Merge(LiveState{}, testMotor)
	s2, ok := Merge(s, canbus.Unrecognized{ID: 1, Len: 3})
	assert.False(t, ok)
	assert.Equal(t, s, s2)
	_, ok = Merge(s, (*canbus.MotorMetrics)(nil))
	assert.False(t, ok)
}

func TestMergeNoAlias(t *testing.T) {
	t.Parallel()
	m := testMotor.Clone()
	s, _ := Merge(LiveState{}, m)
	m.ErrorMessages[0] = "mutated"
	assert.Equal(t, "ERR0: Identification Error", s.Motor.ErrorMessages[0])
}

// Last slot value equals last fragment of that kind, whatever the interleaving.
func TestMergeInterleaveProperty(t *testing.T) {
	t.Parallel()
	rand := helpers.RandUnix()
	for round := 0; round < 200; round++ {
		s := LiveState{}
		var lastMotor *canbus.MotorMetrics
		var lastControl *canbus.ControlMetrics
		changes := 0
		n := rand.Intn(30)
		for i := 0; i < n; i++ {
			if rand.Intn(2) == 0 {
				m := canbus.MotorMetrics{SpeedRPM: uint16(rand.Intn(4)), ErrorMessages: []string{}}
				if lastMotor == nil || !lastMotor.Equal(m) {
					changes++
				}
				lastMotor = &m
				s, _ = Merge(s, m)
			} else {
				c := canbus.ControlMetrics{ThrottleRaw: uint8(rand.Intn(4))}
				if lastControl == nil || *lastControl != c {
					changes++
				}
				lastControl = &c
				s, _ = Merge(s, c)
			}
		}
		assert.Equal(t, lastMotor, s.Motor)
		assert.Equal(t, lastControl, s.Control)
		assert.Equal(t, uint64(changes), s.Seq)
	}
}

func TestMergeIdempotent(t *testing.T) {
	t.Parallel()
	for _, f := range []canbus.Fragment{testMotor, &testMotor, testControl, &testControl} {
		once, ok := Merge(LiveState{}, f)
		require.True(t, ok)
		twice, ok := Merge(once, f)
		require.True(t, ok)
		assert.Equal(t, once, twice)
	}
}

func TestLiveStateEqual(t *testing.T) {
	t.Parallel()
	s, _ := Merge(LiveState{}, testMotor)
	s, _ = Merge(s, testControl)
	other := s.Clone()
	other.Seq = 99
	assert.True(t, s.Equal(other))
	assert.False(t, s.Equal(LiveState{}))
	other.Control.MotorTempC++
	assert.False(t, s.Equal(other))
	assert.True(t, LiveState{}.Equal(LiveState{Seq: 3}))
}

func TestIngestIdempotent(t *testing.T) {
	t.Parallel()
	a := NewAggregator()
	notified := 0
	a.Subscribe(func(LiveState) { notified++ })

	once := a.Ingest(testMotor)
	twice := a.Ingest(testMotor)
	assert.Equal(t, once, twice)
	assert.Equal(t, once, a.State())
	assert.Equal(t, 1, notified)

	a.Ingest(testControl)
	s := a.State()
	a.Ingest(testControl)
	a.Ingest(testMotor)
	assert.Equal(t, s, a.State())
	assert.Equal(t, uint64(2), a.State().Seq)
	assert.Equal(t, 2, notified)
}

func TestAggregator(t *testing.T) {
	t.Parallel()
	a := NewAggregator()
	var got []LiveState
	cancel := a.Subscribe(func(s LiveState) { got = append(got, s) })

	s := a.Ingest(testMotor)
	assert.NotNil(t, s.Motor)
	a.Ingest(canbus.Unrecognized{})
	a.Ingest(testControl)
	require.Len(t, got, 2)
	assert.Nil(t, got[0].Control)
	assert.True(t, got[1].Complete())

	// readers get copies
	st := a.State()
	st.Motor.SpeedRPM = 9999
	assert.Equal(t, uint16(16), a.State().Motor.SpeedRPM)

	a.Reset()
	require.Len(t, got, 3)
	assert.Equal(t, LiveState{}, got[2])
	assert.Equal(t, LiveState{}, a.State())

	cancel()
	a.Ingest(testMotor)
	assert.Len(t, got, 3)
}

func TestAggregatorConcurrent(t *testing.T) {
	t.Parallel()
	a := NewAggregator()
	var mu sync.Mutex
	seen := 0
	a.Subscribe(func(s LiveState) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	var wg sync.WaitGroup
	const N = 8
	const M = 100
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func(i int) {
			defer wg.Done()
			ingest := a.IngestFunc()
			for j := 0; j < M; j++ {
				// unique values, every ingest changes state
				if i%2 == 0 {
					m := testMotor.Clone()
					m.SpeedRPM = uint16(i*M + j)
					ingest(m)
				} else {
					c := testControl
					c.ControllerTempC = i*M + j
					ingest(c)
				}
				s := a.State()
				// readers never see half-written slot
				if s.Motor != nil {
					assert.Equal(t, testMotor.ErrorMessages, s.Motor.ErrorMessages)
					assert.Equal(t, testMotor.VoltageVolts, s.Motor.VoltageVolts)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint64(N*M), a.State().Seq)
	mu.Lock()
	assert.Equal(t, N*M, seen)
	mu.Unlock()
}
