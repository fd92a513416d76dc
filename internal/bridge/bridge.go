// Package bridge connects the host application to the tracking service: a
// command dispatcher for start/stop/isRunning and a single-subscriber sink for
// location updates.
package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/mustafaturan/bus/v3"
	"github.com/phuslu/log"
	"townpass.dev/locationtracker/internal/eventbus"
	"townpass.dev/locationtracker/internal/history"
	"townpass.dev/locationtracker/internal/util"
)

const (
	MethodChannel string = "townpass/location_service"
	EventChannel  string = "townpass/location_stream"

	MethodStart     string = "start"
	MethodStop      string = "stop"
	MethodIsRunning string = "isRunning"
)

var ErrNotImplemented = errors.New("bridge: method not implemented")

// Controller is the service the commands act on.
type Controller interface {
	Start() error
	Stop() error
	IsRunning() bool
}

// Sink receives location updates for the current subscriber.
type Sink interface {
	Success(event history.LocationSample) error
}

// Replaceable is implemented by sinks that want to know when a newer
// subscriber takes their place.
type Replaceable interface {
	Replaced()
}

type SinkFunc func(event history.LocationSample) error

func (f SinkFunc) Success(event history.LocationSample) error {
	return f(event)
}

type handler func(ctx context.Context) (interface{}, error)

type Bridge struct {
	ctl     Controller
	methods map[string]handler
	log     log.Logger

	mu    sync.Mutex
	sink  Sink
	token string
}

func New(ctl Controller) *Bridge {
	b := &Bridge{ctl: ctl}
	b.log = log.DefaultLogger
	b.log.Context = log.NewContext(nil).Str("module", "bridge").Value()
	b.methods = map[string]handler{
		MethodStart: func(context.Context) (interface{}, error) {
			return nil, b.ctl.Start()
		},
		MethodStop: func(context.Context) (interface{}, error) {
			return nil, b.ctl.Stop()
		},
		MethodIsRunning: func(context.Context) (interface{}, error) {
			return b.ctl.IsRunning(), nil
		},
	}
	return b
}

// Handle runs one inbound command. start and stop return a nil result,
// isRunning returns a bool. Unknown methods return ErrNotImplemented.
func (b *Bridge) Handle(ctx context.Context, method string) (interface{}, error) {
	b.log.Info().Str("channel", MethodChannel).Str("method", method).Msg("method call")
	h, ok := b.methods[method]
	if !ok {
		return nil, ErrNotImplemented
	}
	return h(ctx)
}

// Listen installs sink as the only subscriber, replacing any previous one. The
// returned token is needed to cancel it. A replaced sink that is Replaceable
// gets notified.
func (b *Bridge) Listen(sink Sink) string {
	token := util.GenUUID()
	b.mu.Lock()
	prev := b.sink
	b.sink = sink
	b.token = token
	b.mu.Unlock()
	b.log.Info().Str("channel", EventChannel).Str("token", token).Bool("replaced", prev != nil).Msg("listener attached")
	if r, ok := prev.(Replaceable); ok {
		r.Replaced()
	}
	return token
}

// Cancel clears the sink if token still identifies the current subscriber.
func (b *Bridge) Cancel(token string) {
	b.mu.Lock()
	current := b.token == token && b.sink != nil
	if current {
		b.sink = nil
		b.token = ""
	}
	b.mu.Unlock()
	b.log.Info().Str("channel", EventChannel).Str("token", token).Bool("current", current).Msg("listener cancelled")
}

func (b *Bridge) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink != nil
}

// Emit pushes sample to the current subscriber, if there is one. Delivery
// errors are logged and dropped.
func (b *Bridge) Emit(sample history.LocationSample) {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	if sink == nil {
		b.log.Trace().Msg("no listener, location dropped")
		return
	}
	if err := sink.Success(sample); err != nil {
		b.log.Error().Err(err).Msg("error emitting location")
		return
	}
	b.log.Debug().Float64("latitude", sample.Latitude).Float64("longitude", sample.Longitude).Str("captured_at", sample.CapturedAt).Msg("emit location")
}

// Attach forwards location.update events from the bus to Emit.
func (b *Bridge) Attach(eb *bus.Bus) {
	eb.RegisterHandler("bridge", bus.Handler{
		Handle: func(_ context.Context, e bus.Event) {
			sample, ok := e.Data.(history.LocationSample)
			if !ok {
				b.log.Error().Str("topic", e.Topic).Msg("unexpected event payload")
				return
			}
			b.Emit(sample)
		},
		Matcher: "^" + eventbus.TopicLocationUpdate + "$",
	})
}
