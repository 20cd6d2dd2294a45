// internal/batch/retriever.go
package batch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sensorhub/internal/decoder"
	"sensorhub/internal/engine"
	"sensorhub/internal/frame"
	"sensorhub/internal/metric"
)

// OpGetBigData reads one chunk of an announced bulk transfer
const OpGetBigData byte = 0xB0

// Bulk transfer types carried by the announce record
const (
	TypeSensorBatch uint8 = 0x00
	TypeCrashDump   uint8 = 0x01
	TypeLogDump     uint8 = 0x02
)

// requestSize is [type u8][addr u32][pos u32][len u16]
const requestSize = 11

var (
	ErrAborted    = errors.New("batch retrieval aborted")
	ErrRepeated   = errors.New("repeated batch retrieval failures")
	ErrTooLarge   = errors.New("announced batch exceeds limit")
	ErrEmptyChunk = errors.New("empty chunk")

	// ErrMisaligned classifies a batch whose records overrun the buffer end
	ErrMisaligned = decoder.ErrMisaligned
)

// Sender is the synchronous half of the protocol engine
type Sender interface {
	SendSync(ctx context.Context, cmd engine.Command, timeout time.Duration) ([]byte, error)
}

// BatchDecoder consumes a completed sensor batch
type BatchDecoder interface {
	DecodeBatch(buf []byte) error
}

// DumpStore persists diagnostic dumps
type DumpStore interface {
	SaveDump(name string, data []byte) error
}

// ViolationReporter is told when failures keep repeating
type ViolationReporter interface {
	ReportViolation(err error)
}

// Config bounds retrieval
type Config struct {
	ChunkSize    int           `mapstructure:"chunk_size"`
	ChunkTimeout time.Duration `mapstructure:"chunk_timeout"`
	MaxTotal     uint32        `mapstructure:"max_total"`
}

// escalateAfter is the number of consecutive failures reported as a violation
const escalateAfter = 2

// Retriever pulls announced bulk transfers. Retrievals run one at a time:
// chunk requests are keyed by their index, so two concurrent transfers would
// collide in the pending registry.
type Retriever struct {
	sender     Sender
	decoder    BatchDecoder
	dumps      DumpStore
	violations ViolationReporter
	counters   *metric.Counters
	config     Config
	logger     *zap.Logger
	now        func() time.Time

	run      sync.Mutex
	failures atomic.Int32
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewRetriever creates a retriever; dumps and violations may be nil
func NewRetriever(sender Sender, dec BatchDecoder, dumps DumpStore, violations ViolationReporter, counters *metric.Counters, config Config, logger *zap.Logger) *Retriever {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 1024
	}
	if config.ChunkTimeout <= 0 {
		config.ChunkTimeout = time.Second
	}
	if config.MaxTotal == 0 {
		config.MaxTotal = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Retriever{
		sender:     sender,
		decoder:    dec,
		dumps:      dumps,
		violations: violations,
		counters:   counters,
		config:     config,
		logger:     logger.With(zap.String("component", "batch")),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetViolationReporter attaches the escalation target
func (r *Retriever) SetViolationReporter(v ViolationReporter) {
	r.violations = v
}

// StartBatch launches a retrieval in the background. It implements
// decoder.BatchStarter and never blocks the decode path.
func (r *Retriever) StartBatch(a decoder.BigDataAnnounce) {
	if r.ctx.Err() != nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Handle(r.ctx, a); err != nil && r.ctx.Err() == nil {
			r.logger.Warn("Batch dropped",
				zap.Uint8("type", a.Type),
				zap.Uint32("total", a.Total),
				zap.Error(err),
			)
		}
	}()
}

// Handle retrieves a and hands the result to its consumer
func (r *Retriever) Handle(ctx context.Context, a decoder.BigDataAnnounce) error {
	data, err := r.Retrieve(ctx, a)
	if err == nil {
		err = r.consume(a, data)
	}
	if err != nil {
		r.failed(err)
		return err
	}
	r.failures.Store(0)
	return nil
}

// Retrieve reads the whole transfer. Any chunk failure aborts it and
// nothing is delivered.
func (r *Retriever) Retrieve(ctx context.Context, a decoder.BigDataAnnounce) ([]byte, error) {
	if a.Total > r.config.MaxTotal {
		return nil, fmt.Errorf("%w: %w: %d > %d", ErrAborted, ErrTooLarge, a.Total, r.config.MaxTotal)
	}

	r.run.Lock()
	defer r.run.Unlock()

	buf := NewBuffer(int(a.Total))
	started := r.now()
	for index := uint16(1); !buf.Full(); index++ {
		pos := buf.Pos()
		n := min(r.config.ChunkSize, buf.Len()-pos)

		chunk, err := r.sender.SendSync(ctx, engine.Command{
			Opcode:   OpGetBigData,
			Kind:     engine.Read,
			Data:     chunkRequest(a, uint32(pos), uint16(n)),
			ReplyLen: n,
			Seq:      index,
		}, r.config.ChunkTimeout)
		if err == nil && len(chunk) == 0 {
			err = ErrEmptyChunk
		}
		if err == nil {
			err = buf.WriteAt(pos, chunk)
		}
		if err != nil {
			buf.Release()
			return nil, fmt.Errorf("%w: chunk %d at %d of %d: %w", ErrAborted, index, pos, a.Total, err)
		}
		if index == frame.MaxSeq {
			index = 0
		}
	}

	data, err := buf.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAborted, err)
	}
	r.logger.Debug("Batch retrieved",
		zap.Uint8("type", a.Type),
		zap.Int("bytes", len(data)),
		zap.Duration("took", r.now().Sub(started)),
	)
	return data, nil
}

func chunkRequest(a decoder.BigDataAnnounce, pos uint32, n uint16) []byte {
	req := make([]byte, requestSize)
	req[0] = a.Type
	binary.LittleEndian.PutUint32(req[1:], a.Address)
	binary.LittleEndian.PutUint32(req[5:], pos)
	binary.LittleEndian.PutUint16(req[9:], n)
	return req
}

func (r *Retriever) consume(a decoder.BigDataAnnounce, data []byte) error {
	switch a.Type {
	case TypeSensorBatch:
		if r.decoder == nil {
			return nil
		}
		return r.decoder.DecodeBatch(data)
	default:
		if r.dumps == nil {
			r.logger.Info("Dump discarded, no store", zap.Uint8("type", a.Type), zap.Int("bytes", len(data)))
			return nil
		}
		name := fmt.Sprintf("dump/%s-%d.bin", dumpName(a.Type), r.now().Unix())
		if err := r.dumps.SaveDump(name, data); err != nil {
			return fmt.Errorf("save dump %s: %w", name, err)
		}
		r.logger.Info("Dump saved", zap.String("name", name), zap.Int("bytes", len(data)))
		return nil
	}
}

func dumpName(t uint8) string {
	switch t {
	case TypeCrashDump:
		return "crash"
	case TypeLogDump:
		return "log"
	default:
		return fmt.Sprintf("type%d", t)
	}
}

func (r *Retriever) failed(err error) {
	if r.counters != nil {
		r.counters.IncBatchFailure()
	}
	n := r.failures.Add(1)
	if n < escalateAfter {
		return
	}
	r.logger.Error("Batch retrieval keeps failing", zap.Int32("consecutive", n), zap.Error(err))
	if r.counters != nil {
		r.counters.IncProtocolViolation()
	}
	if r.violations != nil {
		r.violations.ReportViolation(fmt.Errorf("%w: %d in a row: %w", ErrRepeated, n, err))
	}
}

// Failures returns the consecutive failure count
func (r *Retriever) Failures() int {
	return int(r.failures.Load())
}

// Close cancels running retrievals and waits for them
func (r *Retriever) Close() {
	r.cancel()
	r.wg.Wait()
}
