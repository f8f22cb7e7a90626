package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	routingKeyPrefix = "notify."
	attemptsHeader   = "x-attempts"
	publishTimeout   = 5 * time.Second
)

// publisher は*amqp.Channelのうち送信に使うメソッド。
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

func publishMessage(ctx context.Context, pub publisher, exchange string, msg Message, attempts int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	return pub.PublishWithContext(ctx, exchange, routingKeyPrefix+string(msg.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{attemptsHeader: int32(attempts)},
		Body:         body,
	})
}

// reconnectInterval はブローカー切断後に再接続を試みる最短間隔。
const reconnectInterval = 5 * time.Second

// errBrokerDown はブローカーへの接続が切れていて再接続もできない状態を表す。
var errBrokerDown = errors.New("rabbitmq connection is closed")

// brokerLink は発行に使う接続1本分。
type brokerLink struct {
	pub        publisher
	closer     io.Closer
	connClosed <-chan *amqp.Error
	chClosed   <-chan *amqp.Error
}

func dialLink(url, exchange string) (*brokerLink, error) {
	conn, ch, err := dialExchange(url, exchange)
	if err != nil {
		return nil, err
	}
	return &brokerLink{
		pub:        ch,
		closer:     conn,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		chClosed:   ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// AMQPDispatcher は通知をRabbitMQのトピックExchangeに発行するDispatcher。
// 実際の送信はworkerプロセスのConsumerが行う。
// 接続が切れると次のDispatchかPingContextで再接続する。
type AMQPDispatcher struct {
	dial     func() (*brokerLink, error)
	exchange string
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mu          sync.Mutex // amqp.Channelはゴルーチン間で共有できない
	link        *brokerLink
	lastAttempt time.Time
	closing     bool
}

// NewAMQPDispatcher はRabbitMQに接続し、Exchangeを宣言してAMQPDispatcherを生成する。
func NewAMQPDispatcher(url, exchange string, logger *slog.Logger, observer Observer) (*AMQPDispatcher, error) {
	d := newAMQPDispatcher(func() (*brokerLink, error) { return dialLink(url, exchange) }, exchange, logger, observer)
	link, err := d.dial()
	if err != nil {
		return nil, err
	}
	d.attach(link)
	return d, nil
}

func newAMQPDispatcher(dial func() (*brokerLink, error), exchange string, logger *slog.Logger, observer Observer) *AMQPDispatcher {
	if observer == nil {
		observer = nopObserver{}
	}
	return &AMQPDispatcher{dial: dial, exchange: exchange, logger: logger, observer: observer, now: time.Now}
}

// attach はlinkを現在の接続にして切断の監視を始める。d.muを保持していないこと。
func (d *AMQPDispatcher) attach(link *brokerLink) {
	d.mu.Lock()
	d.link = link
	d.mu.Unlock()
	go d.watch(link)
}

// watch はlinkの接続かチャネルが閉じるのを待ち、閉じたら現在の接続から外す。
func (d *AMQPDispatcher) watch(link *brokerLink) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-link.connClosed:
	case amqpErr = <-link.chClosed:
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.link == link {
		d.link = nil
	}
	if d.closing {
		return
	}
	attrs := []any{slog.String("exchange", d.exchange)}
	if amqpErr != nil {
		attrs = append(attrs, slog.Int("code", amqpErr.Code), slog.String("reason", amqpErr.Reason))
	}
	d.logger.Error("rabbitmq connection lost", attrs...)
	_ = link.closer.Close()
}

// current は発行に使う接続を返す。切断中ならreconnectIntervalごとに1回だけ再接続を試みる。
// d.muを保持して呼ぶこと。
func (d *AMQPDispatcher) current() (*brokerLink, error) {
	if d.link != nil {
		return d.link, nil
	}
	if d.closing {
		return nil, errBrokerDown
	}
	now := d.now()
	if !d.lastAttempt.IsZero() && now.Sub(d.lastAttempt) < reconnectInterval {
		return nil, errBrokerDown
	}
	d.lastAttempt = now

	link, err := d.dial()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBrokerDown, err)
	}
	d.link = link
	go d.watch(link)
	d.logger.Info("rabbitmq connection restored", slog.String("exchange", d.exchange))
	return link, nil
}

// Dispatch は通知を発行する。発行に失敗した通知は破棄してログに残す。
func (d *AMQPDispatcher) Dispatch(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	d.mu.Lock()
	link, err := d.current()
	if err == nil {
		err = publishMessage(ctx, link.pub, d.exchange, msg, 1)
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Error("notification publish failed",
			slog.String("kind", string(msg.Kind)),
			slog.String("error", err.Error()),
		)
		d.observer.RecordNotification(string(msg.Kind), ResultDropped)
	}
}

// PingContext はブローカーに接続できているかを返す。/healthから使う。
func (d *AMQPDispatcher) PingContext(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.current()
	return err
}

// Close は接続を閉じる。
func (d *AMQPDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closing = true
	if d.link == nil {
		return nil
	}
	link := d.link
	d.link = nil
	return link.closer.Close()
}

var _ Dispatcher = (*AMQPDispatcher)(nil)

// ConsumerOptions はConsumerの設定。
type ConsumerOptions struct {
	MaxAttempts    int
	Prefetch       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Observer       Observer
}

// Consumer はキューから通知を受け取り、Delivererで送信する。
// 一時的な失敗は試行回数ヘッダーを増やして再発行し、上限に達したら破棄する。
type Consumer struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	pub       publisher
	exchange  string
	queue     string
	deliverer Deliverer
	logger    *slog.Logger
	opts      ConsumerOptions
}

// NewConsumer はキューを宣言して全種別の通知をバインドしたConsumerを生成する。
func NewConsumer(url, exchange, queue string, deliverer Deliverer, logger *slog.Logger, opts ConsumerOptions) (*Consumer, error) {
	conn, ch, err := dialExchange(url, exchange)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Consumer, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("declare queue: %w", err))
	}
	if err := ch.QueueBind(q.Name, routingKeyPrefix+"#", exchange, false, nil); err != nil {
		return fail(fmt.Errorf("bind queue: %w", err))
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 8
	}
	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("set qos: %w", err))
	}

	return newConsumer(ch, exchange, q.Name, deliverer, logger, opts, conn, ch), nil
}

func newConsumer(pub publisher, exchange, queue string, deliverer Deliverer, logger *slog.Logger, opts ConsumerOptions, conn *amqp.Connection, ch *amqp.Channel) *Consumer {
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
	return &Consumer{
		conn:      conn,
		ch:        ch,
		pub:       pub,
		exchange:  exchange,
		queue:     queue,
		deliverer: deliverer,
		logger:    logger,
		opts:      opts,
	}
}

// Run はctxがキャンセルされるまで通知を受信して送信する。
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("notification consumer started", slog.String("queue", c.queue))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("notification consumer stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.Error("discarding undecodable notification",
			slog.String("routing_key", d.RoutingKey),
			slog.String("error", err.Error()),
		)
		_ = d.Nack(false, false)
		return
	}

	kind := string(msg.Kind)
	attempt := attemptsFrom(d.Headers)

	err := c.deliverer.Deliver(ctx, msg)
	if err == nil {
		c.opts.Observer.RecordNotification(kind, ResultSent)
		_ = d.Ack(false)
		return
	}

	if IsPermanent(err) || attempt >= c.opts.MaxAttempts {
		c.logger.Error("notification delivery failed",
			slog.String("kind", kind),
			slog.Int("attempt", attempt),
			slog.Bool("permanent", IsPermanent(err)),
			slog.String("error", err.Error()),
		)
		c.opts.Observer.RecordNotification(kind, ResultFailed)
		_ = d.Nack(false, false)
		return
	}

	delay := CalculateBackoff(attempt-1, c.opts.InitialBackoff, c.opts.MaxBackoff)
	c.logger.Warn("notification delivery failed, requeueing",
		slog.String("kind", kind),
		slog.Int("attempt", attempt),
		slog.Duration("retry_in", delay),
		slog.String("error", err.Error()),
	)
	c.opts.Observer.RecordNotification(kind, ResultRetried)

	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		_ = d.Nack(false, true)
		return
	case <-timer.C:
	}

	if err := publishMessage(ctx, c.pub, c.exchange, msg, attempt+1); err != nil {
		c.logger.Error("failed to republish notification",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func attemptsFrom(headers amqp.Table) int {
	switch v := headers[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}

// Close は接続を閉じる。
func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
