package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/observability"
)

const (
	StreamName    = "MEDIA"
	SubjectBase   = "media"
	EventsSubject = "mediaflow.events"
)

// NATSBroker keeps every queue as a subject of one work-queue stream with a
// durable consumer per queue.
type NATSBroker struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	ackWait    time.Duration
	maxDeliver int
	log        *slog.Logger
}

func NewNATSBroker(cfg config.NATSConfig, qcfg config.QueueConfig, logger *slog.Logger) (*NATSBroker, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("mediaflow"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &NATSBroker{
		nc:         nc,
		js:         js,
		ackWait:    qcfg.AckWait,
		maxDeliver: qcfg.MaxDeliver,
		log:        observability.WithComponent(logger, "nats"),
	}, nil
}

func subjectFor(queue string) string {
	return SubjectBase + "." + queue
}

func consumerFor(queue string) string {
	return "mediaflow-" + queue
}

// EnsureStream creates the work-queue stream. Retries up to 30 times (1s
// apart) to ride out NATS startup.
func (b *NATSBroker) EnsureStream(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectBase + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		Duplicates:  2 * time.Minute,
		Description: "Media pipeline stage tasks",
	}

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := b.js.CreateOrUpdateStream(opCtx, cfg)
		cancel()
		if err == nil {
			b.log.Info("ensured NATS stream", "name", cfg.Name)
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
		}
		b.log.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}

func (b *NATSBroker) Publish(ctx context.Context, msg Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(ctx, subjectFor(msg.Queue), data, jetstream.WithMsgID(msg.ID)); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Queue, err)
	}
	return nil
}

// Consume attaches a durable consumer to queue and fans fetched messages out
// to workers. Handler errors Nak with backoff; permanent errors Term.
func (b *NATSBroker) Consume(ctx context.Context, queue string, workers int, h Handler) error {
	if workers < 1 {
		workers = 1
	}
	stream, err := b.js.Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", StreamName, err)
	}

	name := consumerFor(queue)
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.ackWait,
		MaxDeliver:    b.maxDeliver,
		FilterSubject: subjectFor(queue),
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", name, err)
	}

	msgCh := make(chan jetstream.Msg, workers*2)

	go func() {
		defer close(msgCh)
		for {
			if ctx.Err() != nil {
				return
			}
			batch, err := cons.Fetch(workers, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.log.Warn("fetch error", "queue", queue, "error", err)
				time.Sleep(time.Second)
				continue
			}
			for msg := range batch.Messages() {
				select {
				case msgCh <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for i := 0; i < workers; i++ {
		go func(workerID int) {
			for msg := range msgCh {
				b.handle(ctx, queue, workerID, msg, h)
			}
		}(i)
	}

	b.log.Info("consumer started", "queue", queue, "consumer", name, "workers", workers)
	return nil
}

func (b *NATSBroker) handle(ctx context.Context, queue string, workerID int, raw jetstream.Msg, h Handler) {
	msg, err := decodeMessage(raw.Data())
	if err != nil {
		b.log.Error("drop undecodable message", "queue", queue, "error", err)
		_ = raw.Term()
		return
	}
	if meta, err := raw.Metadata(); err == nil {
		msg.Attempt = int(meta.NumDelivered) - 1
	}

	stop := b.keepAlive(raw)
	err = h(ctx, msg)
	stop()

	switch {
	case err == nil:
		_ = raw.Ack()
	case IsPermanent(err):
		b.log.Error("message failed permanently", "queue", queue, "worker", workerID, "stage", msg.Stage, "hash", msg.Payload.ContentHash, "error", err)
		_ = raw.Term()
	default:
		b.log.Warn("message failed, will retry", "queue", queue, "worker", workerID, "stage", msg.Stage, "hash", msg.Payload.ContentHash, "attempt", msg.Attempt, "error", err)
		_ = raw.NakWithDelay(retryDelay(msg.Attempt))
	}
}

// keepAlive extends the ack deadline while a slow handler (captioning a long
// video) is still running.
func (b *NATSBroker) keepAlive(raw jetstream.Msg) func() {
	if b.ackWait <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(b.ackWait / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = raw.InProgress()
			}
		}
	}()
	return func() { close(done) }
}

func retryDelay(attempt int) time.Duration {
	return time.Second << min(attempt, 6)
}

// PublishEvent uses core NATS; events are best-effort notifications.
func (b *NATSBroker) PublishEvent(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.nc.Publish(EventsSubject, data)
}

func (b *NATSBroker) SubscribeEvents(ctx context.Context, fn func(Event)) error {
	sub, err := b.nc.Subscribe(EventsSubject, func(m *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			b.log.Warn("bad event payload", "error", err)
			return
		}
		fn(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// Depth returns the number of messages stored for queue.
func (b *NATSBroker) Depth(ctx context.Context, queue string) (int, error) {
	stream, err := b.js.Stream(ctx, StreamName)
	if err != nil {
		return 0, fmt.Errorf("get stream %s: %w", StreamName, err)
	}
	subject := subjectFor(queue)
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(subject))
	if err != nil {
		return 0, fmt.Errorf("stream info: %w", err)
	}
	return int(info.State.Subjects[subject]), nil
}

func (b *NATSBroker) Ping(_ context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (b *NATSBroker) Close() {
	b.nc.Close()
}
