package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/agamim/portal-server-go/broker"
)

// DefaultTopic is the broker topic used for cross-replica fan-out.
const DefaultTopic = "realtime"

const (
	minResubscribeDelay = 100 * time.Millisecond
	maxResubscribeDelay = 5 * time.Second
)

var errSubscriptionEnded = errors.New("realtime: broker subscription ended")

// Dispatcher serializes events and fans them out to the listeners of the
// targeted rooms.
//
// Without a broker, Broadcast delivers synchronously to the local registry.
// With a broker, Broadcast publishes and every replica running Run delivers
// to its own listeners.
type Dispatcher struct {
	reg    *Registry
	broker broker.Broker
	topic  string
	log    *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBroker routes broadcasts through b on topic.
func WithBroker(b broker.Broker, topic string) DispatcherOption {
	return func(d *Dispatcher) {
		d.broker = b
		if topic != "" {
			d.topic = topic
		}
	}
}

// WithDispatcherLogger sets the logger for delivery failures.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDispatcher returns a Dispatcher delivering to reg.
func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		reg:   reg,
		topic: DefaultTopic,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// fanout is what travels over the broker: the frame as it will be written to
// clients plus the target it was addressed to.
type fanout struct {
	Frame  json.RawMessage `json:"frame"`
	Groups []string        `json:"groups,omitempty"`
	All    bool            `json:"all,omitempty"`
}

// Broadcast sends ev to every listener reached by target. The event is
// serialized once. Send failures on individual listeners are logged and do
// not abort the broadcast; only invalid events and broker errors are
// returned.
func (d *Dispatcher) Broadcast(ctx context.Context, ev Event, target Target) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if target.empty() {
		return nil
	}
	frame, err := encodeEvent(ev)
	if err != nil {
		return errors.Join(ErrInvalidEvent, err)
	}

	if d.broker == nil {
		d.deliver(ctx, frame, target)
		return nil
	}

	msg, err := json.Marshal(fanout{Frame: frame, Groups: target.groups, All: target.all})
	if err != nil {
		return err
	}
	if _, err := d.broker.Publish(ctx, d.topic, msg); err != nil {
		return err
	}
	return nil
}

// Run consumes the broker topic and delivers each message to the local
// registry until ctx is done, and only then returns ctx.Err(). A failed
// subscription is retried with backoff, resuming after the last message
// seen. If that message has left the broker's history, consumption restarts
// at the tail. Without a broker Run only waits for ctx.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.broker == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	lastID := ""
	backoff := minResubscribeDelay
	for {
		err := d.broker.Subscribe(ctx, d.topic, lastID, func(ctx context.Context, env broker.MessageEnvelope) error {
			lastID = env.ID
			backoff = minResubscribeDelay

			var f fanout
			if err := json.Unmarshal(env.Data, &f); err != nil {
				d.log.WarnContext(ctx, "realtime.fanout.decode_fail", slog.String("event_id", env.ID), slog.String("err", err.Error()))
				return nil
			}
			d.deliver(ctx, f.Frame, Target{groups: f.Groups, all: f.All})
			return nil
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, broker.ErrUnknownEventID) {
			d.log.WarnContext(ctx, "realtime.fanout.gap", slog.String("last_event_id", lastID))
			lastID = ""
			continue
		}
		if err == nil {
			err = errSubscriptionEnded
		}
		d.log.WarnContext(ctx, "realtime.fanout.subscribe_fail", slog.String("err", err.Error()), slog.Duration("retry_in", backoff))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, maxResubscribeDelay)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, frame []byte, target Target) int {
	listeners := d.reg.Resolve(target)
	sent := 0
	for _, l := range listeners {
		if err := l.Send(frame); err != nil {
			d.log.InfoContext(ctx, "realtime.send.fail", slog.String("listener", l.ID()), slog.String("err", err.Error()))
			continue
		}
		sent++
	}
	d.log.DebugContext(ctx, "realtime.broadcast", slog.Int("listeners", len(listeners)), slog.Int("sent", sent))
	return sent
}
