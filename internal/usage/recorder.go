package usage

import (
	"context"
	"sync"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/background"
	"github.com/JuanPabloHerrera/openapi/internal/store/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink persists usage records.
type Sink interface {
	Append(ctx context.Context, rec *model.UsageRecord) error
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// Recorder handles the asynchronous persistence of usage records. Record
// never blocks and never fails the caller: when the buffer is full or the
// recorder has stopped, the record is written directly in the background.
type Recorder struct {
	sink   Sink
	tasks  *background.Group
	logger *zap.Logger
	opts   Options

	mu      sync.RWMutex
	closed  bool
	records chan *model.UsageRecord
	done    chan struct{}
}

func NewRecorder(sink Sink, tasks *background.Group, logger *zap.Logger, opts Options) *Recorder {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Recorder{
		sink:    sink,
		tasks:   tasks,
		logger:  logger,
		opts:    opts,
		records: make(chan *model.UsageRecord, opts.BufferSize),
		done:    make(chan struct{}),
	}
}

// Record queues rec for persistence, filling in its id and timestamp.
func (r *Recorder) Record(rec *model.UsageRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.RequestMeta == "" {
		rec.RequestMeta = "{}"
	}
	if rec.ResponseMeta == "" {
		rec.ResponseMeta = "{}"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.closed {
		select {
		case r.records <- rec:
			return
		default:
			r.logger.Warn("Usage buffer full, writing directly", zap.String("usage_id", rec.ID))
		}
	}

	r.tasks.Go("usage_record", func(ctx context.Context) error {
		return r.sink.Append(ctx, rec)
	})
}

func (r *Recorder) Start() {
	go r.worker()
}

// Stop closes the buffer and waits for queued records to be flushed.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.records)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) worker() {
	defer close(r.done)

	batch := make([]*model.UsageRecord, 0, r.opts.BatchSize)
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, rec := range batch {
			r.write(rec)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-r.records:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) write(rec *model.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()

	if err := r.sink.Append(ctx, rec); err != nil {
		r.logger.Error("Failed to persist usage record",
			zap.String("usage_id", rec.ID),
			zap.String("account_id", rec.AccountID),
			zap.Error(err),
		)
	}
}
