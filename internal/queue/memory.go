package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/your-org/mediaflow/internal/observability"
)

// MemoryBroker is an in-process broker for single-node runs and tests.
// Failed messages are requeued until maxDeliver deliveries.
type MemoryBroker struct {
	maxDeliver int
	log        *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queues   map[string][]Message
	inflight int
	closed   bool
	subs     map[int]func(Event)
	nextSub  int
}

func NewMemoryBroker(maxDeliver int, logger *slog.Logger) *MemoryBroker {
	if maxDeliver < 1 {
		maxDeliver = 1
	}
	b := &MemoryBroker{
		maxDeliver: maxDeliver,
		log:        observability.WithComponent(logger, "memory-broker"),
		queues:     make(map[string][]Message),
		subs:       make(map[int]func(Event)),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemoryBroker) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[msg.Queue] = append(b.queues[msg.Queue], msg)
	b.inflight++
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string, workers int, h Handler) error {
	if workers < 1 {
		workers = 1
	}
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	}()
	for i := 0; i < workers; i++ {
		go func() {
			for {
				msg, ok := b.next(ctx, queue)
				if !ok {
					return
				}
				b.finish(msg, h(ctx, msg))
			}
		}()
	}
	return nil
}

func (b *MemoryBroker) next(ctx context.Context, queue string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed || ctx.Err() != nil {
			return Message{}, false
		}
		if len(b.queues[queue]) > 0 {
			break
		}
		b.cond.Wait()
	}
	msg := b.queues[queue][0]
	b.queues[queue] = b.queues[queue][1:]
	return msg, true
}

func (b *MemoryBroker) finish(msg Message, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		if !IsPermanent(err) && msg.Attempt+1 < b.maxDeliver {
			msg.Attempt++
			b.queues[msg.Queue] = append(b.queues[msg.Queue], msg)
			b.cond.Broadcast()
			return
		}
		b.log.Error("message dropped", "queue", msg.Queue, "stage", msg.Stage, "hash", msg.Payload.ContentHash, "error", err)
	}
	b.inflight--
	b.cond.Broadcast()
}

// Take removes and returns every message waiting on queue.
func (b *MemoryBroker) Take(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.queues[queue]
	delete(b.queues, queue)
	b.inflight -= len(msgs)
	b.cond.Broadcast()
	return msgs
}

// WaitIdle blocks until every published message has been handled or dropped.
func (b *MemoryBroker) WaitIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.inflight > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.cond.Wait()
	}
	return nil
}

func (b *MemoryBroker) PublishEvent(_ context.Context, ev Event) error {
	b.mu.Lock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

func (b *MemoryBroker) SubscribeEvents(ctx context.Context, fn func(Event)) error {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()
	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	})
	return nil
}

func (b *MemoryBroker) Depth(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue]), nil
}

func (b *MemoryBroker) Ping(context.Context) error {
	return nil
}

func (b *MemoryBroker) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}
