package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/observability"
)

const (
	taskTypePrefix = "mediaflow:"
	eventsChannel  = "mediaflow:events"
)

// AsynqBroker runs the named queues on Redis. Each consumed queue gets its own
// asynq server so pool concurrency is independent per queue.
type AsynqBroker struct {
	redisOpt   asynq.RedisClientOpt
	client     *asynq.Client
	inspector  *asynq.Inspector
	rdb        *redis.Client
	maxDeliver int
	log        *slog.Logger

	mu      sync.Mutex
	servers []*asynq.Server
}

func NewAsynqBroker(ctx context.Context, cfg config.RedisConfig, qcfg config.QueueConfig, logger *slog.Logger) (*AsynqBroker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	opt := asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	return &AsynqBroker{
		redisOpt:   opt,
		client:     asynq.NewClient(opt),
		inspector:  asynq.NewInspector(opt),
		rdb:        rdb,
		maxDeliver: qcfg.MaxDeliver,
		log:        observability.WithComponent(logger, "asynq"),
	}, nil
}

func (b *AsynqBroker) Publish(ctx context.Context, msg Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypePrefix+string(msg.Stage), data)
	_, err = b.client.EnqueueContext(ctx, task,
		asynq.Queue(msg.Queue),
		asynq.TaskID(msg.ID),
		asynq.MaxRetry(max(b.maxDeliver-1, 0)),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue to %s: %w", msg.Queue, err)
	}
	return nil
}

func (b *AsynqBroker) Consume(ctx context.Context, queue string, workers int, h Handler) error {
	if workers < 1 {
		workers = 1
	}
	srv := asynq.NewServer(b.redisOpt, asynq.Config{
		Concurrency: workers,
		Queues:      map[string]int{queue: 1},
		LogLevel:    asynq.WarnLevel,
	})

	handler := asynq.HandlerFunc(func(taskCtx context.Context, t *asynq.Task) error {
		msg, err := decodeMessage(t.Payload())
		if err != nil {
			b.log.Error("drop undecodable task", "queue", queue, "error", err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if n, ok := asynq.GetRetryCount(taskCtx); ok {
			msg.Attempt = n
		}
		err = h(taskCtx, msg)
		switch {
		case err == nil:
			return nil
		case IsPermanent(err):
			b.log.Error("task failed permanently", "queue", queue, "stage", msg.Stage, "hash", msg.Payload.ContentHash, "error", err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		default:
			b.log.Warn("task failed, will retry", "queue", queue, "stage", msg.Stage, "hash", msg.Payload.ContentHash, "attempt", msg.Attempt, "error", err)
			return err
		}
	})

	if err := srv.Start(handler); err != nil {
		return fmt.Errorf("start asynq server for %s: %w", queue, err)
	}
	b.mu.Lock()
	b.servers = append(b.servers, srv)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()

	b.log.Info("consumer started", "queue", queue, "workers", workers)
	return nil
}

func (b *AsynqBroker) PublishEvent(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.rdb.Publish(ctx, eventsChannel, data).Err()
}

func (b *AsynqBroker) SubscribeEvents(ctx context.Context, fn func(Event)) error {
	sub := b.rdb.Subscribe(ctx, eventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe events: %w", err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad event payload", "error", err)
					continue
				}
				fn(ev)
			}
		}
	}()
	return nil
}

// Depth counts tasks not yet completed: pending, active, scheduled and retrying.
func (b *AsynqBroker) Depth(_ context.Context, queue string) (int, error) {
	info, err := b.inspector.GetQueueInfo(queue)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("queue info %s: %w", queue, err)
	}
	return info.Pending + info.Active + info.Scheduled + info.Retry, nil
}

func (b *AsynqBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *AsynqBroker) Close() {
	b.mu.Lock()
	for _, srv := range b.servers {
		srv.Shutdown()
	}
	b.servers = nil
	b.mu.Unlock()
	_ = b.client.Close()
	_ = b.inspector.Close()
	_ = b.rdb.Close()
}
