package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/your-org/mediaflow/internal/observability"
)

// DefaultRoutes sends ledger writes that need single-writer discipline
// (face inserts, finalize) to the ledger queue.
var DefaultRoutes = map[Stage]string{
	StageDetect:    "detection",
	StageCaption:   "caption",
	StageHarvest:   "harvest",
	StageSaveFaces: "ledger",
	StageFinalize:  "ledger",
}

// Router maps stages to queues. Handlers chain to the next stage by routing
// from their exit path; there is no central scheduler.
type Router struct {
	broker Broker
	routes map[Stage]string
	log    *slog.Logger
}

func NewRouter(broker Broker, overrides map[string]string, logger *slog.Logger) (*Router, error) {
	routes := make(map[Stage]string, len(DefaultRoutes))
	for stage, q := range DefaultRoutes {
		routes[stage] = q
	}
	for name, q := range overrides {
		stage := Stage(name)
		if _, ok := DefaultRoutes[stage]; !ok {
			return nil, fmt.Errorf("route override for unknown stage %q", name)
		}
		if q == "" {
			return nil, fmt.Errorf("route override for %q has no queue", name)
		}
		routes[stage] = q
	}
	return &Router{
		broker: broker,
		routes: routes,
		log:    observability.WithComponent(logger, "router"),
	}, nil
}

func (r *Router) QueueFor(stage Stage) string {
	return r.routes[stage]
}

// StagesOn returns the stages routed to queue, in DefaultRoutes order.
func (r *Router) StagesOn(queue string) []Stage {
	var out []Stage
	for _, stage := range []Stage{StageDetect, StageCaption, StageHarvest, StageSaveFaces, StageFinalize} {
		if r.routes[stage] == queue {
			out = append(out, stage)
		}
	}
	return out
}

// Queues returns every destination queue, sorted.
func (r *Router) Queues() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, q := range r.routes {
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Route enqueues payload for stage on its queue.
func (r *Router) Route(ctx context.Context, stage Stage, payload Payload) error {
	q, ok := r.routes[stage]
	if !ok {
		return fmt.Errorf("no route for stage %q", stage)
	}
	msg := NewMessage(q, stage, payload)
	if err := r.broker.Publish(ctx, msg); err != nil {
		return fmt.Errorf("route %s for %s: %w", stage, payload.ContentHash, err)
	}
	r.log.Debug("routed", "stage", stage, "queue", q, "hash", payload.ContentHash, "msg_id", msg.ID)
	return nil
}

// Notify publishes an event; failures are logged and never fail the caller.
func (r *Router) Notify(ctx context.Context, ev Event) {
	if err := r.broker.PublishEvent(ctx, ev); err != nil {
		r.log.Warn("publish event", "type", ev.Type, "error", err)
	}
}

func (r *Router) Broker() Broker {
	return r.broker
}

// Mux dispatches deliveries from a queue to the handler for their stage.
type Mux struct {
	handlers map[Stage]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[Stage]Handler)}
}

func (m *Mux) Handle(stage Stage, h Handler) {
	m.handlers[stage] = h
}

func (m *Mux) Serve(ctx context.Context, msg Message) error {
	h, ok := m.handlers[msg.Stage]
	if !ok {
		return Permanent(fmt.Errorf("no handler for stage %q", msg.Stage))
	}
	return h(ctx, msg)
}
