package events

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gridworks/gridbox/pkg/log"
	"github.com/gridworks/gridbox/pkg/metrics"
)

// Handler receives events delivered on a channel. Handlers run on the
// emitter's goroutine, under the channel emit lock: they must be quick
// and must not emit on the same channel.
type Handler func(BusEvent)

// Bus is the process-wide event distribution surface. It manages one
// Channel per predefined channel name. A single instance is constructed
// in main and passed by reference to every component.
type Bus struct {
	channels map[string]*Channel
}

// NewBus creates a bus managing all predefined channels.
func NewBus() *Bus {
	b := &Bus{channels: make(map[string]*Channel)}
	for _, name := range AllChannels {
		b.channels[name] = newChannel(name)
	}
	return b
}

// Channel returns the channel with the given name.
func (b *Bus) Channel(name string) (*Channel, error) {
	ch, ok := b.channels[name]
	if !ok {
		return nil, fmt.Errorf("unknown event channel (%s)", name)
	}
	return ch, nil
}

// Channel is the emission endpoint for one event family. Emission is
// serialized by a per-channel mutex: if Emit(A) returns before Emit(B)
// is called, subscribers see A before B. No ordering exists between
// distinct channels.
type Channel struct {
	name   string
	logger zerolog.Logger

	emitMu sync.Mutex

	subMu       sync.RWMutex
	subscribers map[string]Handler
}

func newChannel(name string) *Channel {
	return &Channel{
		name:        name,
		logger:      log.WithChannel(name),
		subscribers: make(map[string]Handler),
	}
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Subscribe registers a handler and returns its subscription id.
func (c *Channel) Subscribe(h Handler) string {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := uuid.New().String()
	c.subscribers[id] = h
	metrics.BusSubscribers.WithLabelValues(c.name).Set(float64(len(c.subscribers)))
	return id
}

// SubscribeChan registers a buffered channel subscription. Delivery to a
// full buffer drops the event rather than blocking the emitter.
func (c *Channel) SubscribeChan(size int) (<-chan BusEvent, string) {
	if size <= 0 {
		size = 50
	}
	ch := make(chan BusEvent, size)
	id := c.Subscribe(func(evt BusEvent) {
		select {
		case ch <- evt:
		default:
			metrics.EventsDroppedTotal.WithLabelValues(c.name).Inc()
		}
	})
	return ch, id
}

// Unsubscribe removes a subscription.
func (c *Channel) Unsubscribe(id string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	delete(c.subscribers, id)
	metrics.BusSubscribers.WithLabelValues(c.name).Set(float64(len(c.subscribers)))
}

// SubscriberCount returns the number of active subscriptions.
func (c *Channel) SubscriberCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscribers)
}

// Emit timestamps and posts an event on the channel.
//
// The timestamp is set to the number of milliseconds elapsed since the
// Epoch at the moment the emit lock is acquired. The data string must be
// a valid JSON representation of the event payload,
// e.g. {"value":25.7,"unit":"degC"}.
func (c *Channel) Emit(varType, varName, data string) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	return c.broadcast(BusEvent{
		Timestamp: nowMillis(),
		VarType:   varType,
		VarName:   varName,
		Data:      data,
	})
}

// EmitFull posts an event with a caller-supplied timestamp.
func (c *Channel) EmitFull(timestamp uint64, varType, varName, data string) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	return c.broadcast(BusEvent{
		Timestamp: timestamp,
		VarType:   varType,
		VarName:   varName,
		Data:      data,
	})
}

// EmitTimed posts an event given as a model value.
//
// Any timestamp embedded in the event is discarded, since it can be
// outdated and would introduce a break in the time line; the bus assigns
// a fresh one.
func (c *Channel) EmitTimed(evt Event) (bool, error) {
	data, err := evt.EncodeData()
	if err != nil {
		return false, err
	}
	return c.Emit(evt.VarType, evt.VarName, data), nil
}

// broadcast delivers to all subscribers. Must be called with emitMu
// held. A failing subscriber is logged and skipped, never failing the
// emission.
func (c *Channel) broadcast(evt BusEvent) bool {
	c.logger.Debug().
		Uint64("timestamp", evt.Timestamp).
		Str("var_type", evt.VarType).
		Str("var_name", evt.VarName).
		Str("data", evt.Data).
		Msg("emitting")

	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for id, h := range c.subscribers {
		c.deliver(id, h, evt)
	}

	metrics.EventsEmittedTotal.WithLabelValues(c.name).Inc()
	return true
}

func (c *Channel) deliver(id string, h Handler, evt BusEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("subscription", id).
				Interface("panic", r).
				Msg("subscriber failed, event skipped")
		}
	}()
	h(evt)
}
