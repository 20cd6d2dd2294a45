package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sensorhub/internal/frame"
	"sensorhub/internal/metric"
	"sensorhub/internal/pending"
	"sensorhub/internal/transport"
)

// echoTransport answers host frames the way the hub would
type echoTransport struct {
	inbound transport.Inbound
	reply   func(f *frame.Frame) []byte // nil result means stay silent
	delay   time.Duration
	err     error

	mu     sync.Mutex
	frames []*frame.Frame
}

func (e *echoTransport) Submit(_ context.Context, f *frame.Frame) error {
	if e.err != nil {
		return e.err
	}
	e.mu.Lock()
	e.frames = append(e.frames, f)
	e.mu.Unlock()

	if e.reply == nil {
		return nil
	}
	data := e.reply(f)
	if data == nil {
		return nil
	}

	kind := frame.KindHostRead
	if f.Kind == frame.KindHostWrite {
		kind = frame.KindWriteReply
	}
	key := pending.Key{Opcode: f.Payload[0], Kind: kind, Seq: f.Seq}
	deliver := func() { _ = e.inbound.HandleReply(key, data) }
	if e.delay > 0 {
		time.AfterFunc(e.delay, deliver)
	} else {
		go deliver()
	}
	return nil
}

func (e *echoTransport) Reset(context.Context) error { return nil }
func (e *echoTransport) Close() error                { return nil }

func (e *echoTransport) sent() []*frame.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*frame.Frame(nil), e.frames...)
}

type recordingObserver struct {
	timeouts   atomic.Int32
	transport  atomic.Int32
	violations atomic.Int32
	checks     atomic.Int32
}

func (o *recordingObserver) OnTimeout(pending.Key)   { o.timeouts.Add(1) }
func (o *recordingObserver) OnTransportError(error)  { o.transport.Add(1) }
func (o *recordingObserver) OnViolation(error)       { o.violations.Add(1) }
func (o *recordingObserver) CheckNow()               { o.checks.Add(1) }

func newTestEngine(t *testing.T, tr *echoTransport) (*Engine, *metric.Counters, *recordingObserver) {
	t.Helper()
	counters, err := metric.NewCounters(nil)
	require.NoError(t, err)

	e := New(pending.NewRegistry(8, zap.NewNop()), frame.NewCodec(0), counters,
		Options{DefaultTimeout: 200 * time.Millisecond, RecoveryCheckDelay: 10 * time.Millisecond}, zap.NewNop())
	tr.inbound = e
	e.SetTransport(tr)
	obs := &recordingObserver{}
	e.SetObserver(obs)
	return e, counters, obs
}

func TestSendSyncRoundTrip(t *testing.T) {
	tr := &echoTransport{reply: func(f *frame.Frame) []byte { return []byte{0x10, 0x20, 0x30} }}
	e, counters, _ := newTestEngine(t, tr)

	got, err := e.SendSync(context.Background(), Command{Opcode: 0xB2, Kind: Read, ReplyLen: 4}, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x20, 0x30}, got)
	assert.Equal(t, 0, e.Registry().Len())

	frames := tr.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, frame.KindHostRead, frames[0].Kind)
	assert.Equal(t, []byte{0xB2}, frames[0].Payload)
	assert.NotZero(t, frames[0].Seq)
	assert.Equal(t, int64(1), counters.FramesReceived())
}

func TestSendSyncWriteWithReturnCode(t *testing.T) {
	code := byte(ReturnOK)
	tr := &echoTransport{reply: func(f *frame.Frame) []byte { return []byte{code} }}
	e, _, _ := newTestEngine(t, tr)

	_, err := e.SendSync(context.Background(), Command{Opcode: 0xA1, Kind: Write, Data: []byte{1, 2}, ExpectReturn: true}, 0)
	require.NoError(t, err)
	assert.True(t, tr.sent()[0].ExpectsReturn)

	code = 0x05
	_, err = e.SendSync(context.Background(), Command{Opcode: 0xA1, Kind: Write, ExpectReturn: true}, 0)
	var nack *NackError
	require.ErrorAs(t, err, &nack)
	assert.Equal(t, byte(0x05), nack.Code)
}

func TestSendSyncWriteWithoutReturnCompletesOnSubmit(t *testing.T) {
	tr := &echoTransport{}
	e, _, _ := newTestEngine(t, tr)

	got, err := e.SendSync(context.Background(), Command{Opcode: 0xA4, Kind: Write, Data: []byte{0x01}}, 0)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, e.Registry().Len())
}

func TestSendSyncTimeoutAbandonsAndCounts(t *testing.T) {
	tr := &echoTransport{}
	e, counters, obs := newTestEngine(t, tr)

	_, err := e.SendSync(context.Background(), Command{Opcode: 0xB2, Kind: Read, ReplyLen: 1}, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, e.Registry().Len())

	s := counters.Snapshot()
	assert.Equal(t, int64(1), s.Timeouts)
	assert.Equal(t, int64(1), s.ConsecutiveTimeouts)
	assert.Equal(t, int32(1), obs.timeouts.Load())

	assert.Eventually(t, func() bool { return obs.checks.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLateReplyAfterTimeoutIsAbsorbed(t *testing.T) {
	tr := &echoTransport{
		reply: func(f *frame.Frame) []byte { return []byte{0xEE} },
		delay: 60 * time.Millisecond,
	}
	e, counters, _ := newTestEngine(t, tr)

	_, err := e.SendSync(context.Background(), Command{Opcode: 0xB2, Kind: Read, ReplyLen: 1}, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	assert.Eventually(t, func() bool { return counters.FramesReceived() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), counters.Snapshot().PacketErrors)
}

func TestSuccessResetsConsecutiveTimeouts(t *testing.T) {
	silent := true
	tr := &echoTransport{reply: func(f *frame.Frame) []byte {
		if silent {
			return nil
		}
		return []byte{0x01}
	}}
	e, counters, _ := newTestEngine(t, tr)

	for range 2 {
		_, err := e.SendSync(context.Background(), Command{Opcode: 0xB2, Kind: Read, ReplyLen: 1}, 5*time.Millisecond)
		require.ErrorIs(t, err, ErrTimeout)
	}
	assert.Equal(t, int64(2), counters.ConsecutiveTimeouts())

	silent = false
	_, err := e.SendSync(context.Background(), Command{Opcode: 0xB2, Kind: Read, ReplyLen: 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counters.ConsecutiveTimeouts())
}

func TestSendSyncTransportError(t *testing.T) {
	tr := &echoTransport{err: errors.New("link down")}
	e, counters, obs := newTestEngine(t, tr)

	_, err := e.SendSync(context.Background(), Command{Opcode: 0xB2, Kind: Read, ReplyLen: 1}, 0)
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 0, e.Registry().Len())
	assert.Equal(t, int64(1), counters.Snapshot().TransportErrors)
	assert.Equal(t, int32(1), obs.transport.Load())
	assert.Equal(t, int64(0), counters.Snapshot().Timeouts)
}

func TestDuplicateSeqIsViolation(t *testing.T) {
	tr := &echoTransport{}
	e, counters, obs := newTestEngine(t, tr)

	require.NoError(t, e.SendAsync(context.Background(), Command{Opcode: 0xA1, Kind: Write, ExpectReturn: true, Seq: 42}))
	err := e.SendAsync(context.Background(), Command{Opcode: 0xA1, Kind: Write, ExpectReturn: true, Seq: 42})
	require.ErrorIs(t, err, pending.ErrDuplicateKey)
	assert.Equal(t, int64(1), counters.Snapshot().ProtocolViolations)
	assert.Equal(t, int32(1), obs.violations.Load())
	assert.Len(t, tr.sent(), 1)
}

func TestSendAsyncAckCompletesEntry(t *testing.T) {
	tr := &echoTransport{reply: func(f *frame.Frame) []byte { return []byte{ReturnOK} }}
	e, _, _ := newTestEngine(t, tr)

	require.NoError(t, e.SendAsync(context.Background(), Command{Opcode: 0xA3, Kind: Write, ExpectReturn: true}))
	assert.Eventually(t, func() bool { return e.Registry().Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestNextSeqSkipsZero(t *testing.T) {
	e, _, _ := newTestEngine(t, &echoTransport{})
	e.seq.Store(frame.MaxSeq - 1)

	assert.Equal(t, uint16(frame.MaxSeq), e.NextSeq())
	assert.Equal(t, uint16(1), e.NextSeq())
}

func TestClosedEngineRejects(t *testing.T) {
	tr := &echoTransport{}
	e, _, _ := newTestEngine(t, tr)

	done := make(chan error, 1)
	go func() {
		_, err := e.SendSync(context.Background(), Command{Opcode: 0xB2, Kind: Read, ReplyLen: 1}, time.Second)
		done <- err
	}()
	assert.Eventually(t, func() bool { return e.Registry().Len() == 1 }, time.Second, time.Millisecond)

	e.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, pending.ErrAbandoned)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}

	_, err := e.SendSync(context.Background(), Command{Opcode: 0xB2, Kind: Read, ReplyLen: 1}, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDeviceWriteRouting(t *testing.T) {
	e, counters, _ := newTestEngine(t, &echoTransport{})

	var got []byte
	e.SetDeviceWriteHandler(func(p []byte) { got = p })
	e.HandleDeviceWrite([]byte{0x01, 0x02})

	assert.Equal(t, []byte{0x01, 0x02}, got)
	assert.Equal(t, int64(1), counters.FramesReceived())
}
