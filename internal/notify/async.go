package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AsyncOptions はAsyncDispatcherの設定。
type AsyncOptions struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Observer       Observer
}

// AsyncDispatcher はプロセス内のキューとワーカープールで通知を送信するDispatcher。
// キューが満杯の場合は通知を破棄し、ログとメトリクスに残す。
type AsyncDispatcher struct {
	deliverer Deliverer
	logger    *slog.Logger
	opts      AsyncOptions

	queue chan Message
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewAsyncDispatcher はAsyncDispatcherを生成する。未設定の値にはデフォルトを使う。
func NewAsyncDispatcher(deliverer Deliverer, logger *slog.Logger, opts AsyncOptions) *AsyncDispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &AsyncDispatcher{
		deliverer: deliverer,
		logger:    logger,
		opts:      opts,
		queue:     make(chan Message, opts.QueueSize),
	}
}

// Start はワーカーを起動する。ctxのキャンセルで再送待ちを打ち切る。
func (d *AsyncDispatcher) Start(ctx context.Context) {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for msg := range d.queue {
				d.deliver(ctx, msg)
			}
		}()
	}
	d.logger.Info("notification dispatcher started",
		slog.Int("workers", d.opts.Workers),
		slog.Int("queue_size", d.opts.QueueSize),
	)
}

// Dispatch は通知をキューに積む。ブロックしない。
func (d *AsyncDispatcher) Dispatch(ctx context.Context, msg Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(msg, "dispatcher closed")
		return
	}
	select {
	case d.queue <- msg:
	default:
		d.drop(msg, "queue full")
	}
}

func (d *AsyncDispatcher) drop(msg Message, reason string) {
	d.logger.Error("notification dropped",
		slog.String("kind", string(msg.Kind)),
		slog.Int("recipients", len(msg.To)),
		slog.String("reason", reason),
	)
	d.opts.Observer.RecordNotification(string(msg.Kind), ResultDropped)
}

// Shutdown は新規受付を止め、キューに残った通知の送信完了を待つ。
func (d *AsyncDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *AsyncDispatcher) deliver(ctx context.Context, msg Message) {
	kind := string(msg.Kind)
	for attempt := 1; ; attempt++ {
		err := d.deliverer.Deliver(ctx, msg)
		if err == nil {
			d.opts.Observer.RecordNotification(kind, ResultSent)
			return
		}

		if IsPermanent(err) || attempt >= d.opts.MaxAttempts {
			d.logger.Error("notification delivery failed",
				slog.String("kind", kind),
				slog.Int("attempt", attempt),
				slog.Bool("permanent", IsPermanent(err)),
				slog.String("error", err.Error()),
			)
			d.opts.Observer.RecordNotification(kind, ResultFailed)
			return
		}

		delay := CalculateBackoff(attempt-1, d.opts.InitialBackoff, d.opts.MaxBackoff)
		d.logger.Warn("notification delivery failed, retrying",
			slog.String("kind", kind),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		d.opts.Observer.RecordNotification(kind, ResultRetried)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.logger.Error("notification delivery abandoned",
				slog.String("kind", kind),
				slog.String("error", ctx.Err().Error()),
			)
			d.opts.Observer.RecordNotification(kind, ResultFailed)
			return
		case <-timer.C:
		}
	}
}

var _ Dispatcher = (*AsyncDispatcher)(nil)
