// Package natssource takes location frames from a NATS subject. The payload is
// the same JSON frame a device sends to the droid server, either a single
// location or a batch.
package natssource

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"townpass.dev/locationtracker/internal/source"
	"townpass.dev/locationtracker/internal/source/droid"
)

type NatsConfig struct {
	URL     string
	Subject string
	Name    string
}

type subscribeFunc func(subject string, h nats.MsgHandler) (unsubscribe func() error, err error)

type Source struct {
	config *NatsConfig
	log    log.Logger
	vld    *validator.Validate
	now    func() time.Time

	nc        *nats.Conn
	subscribe subscribeFunc

	mu          sync.Mutex
	cb          source.Callback
	throttle    *source.Throttle
	unsubscribe func() error
}

func New(config *NatsConfig) *Source {
	s := &Source{config: config}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "nats-source").Str("subject", config.Subject).Value()
	s.vld = validator.New()
	s.now = time.Now
	if s.config.Name == "" {
		s.config.Name = "locationd"
	}
	return s
}

// Connect dials the server. Reconnection is left to the client library.
func (s *Source) Connect() error {
	nc, err := nats.Connect(s.config.URL,
		nats.Name(s.config.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("natssource: connect %s: %w", s.config.URL, err)
	}
	s.nc = nc
	s.subscribe = func(subject string, h nats.MsgHandler) (func() error, error) {
		sub, err := nc.Subscribe(subject, h)
		if err != nil {
			return nil, err
		}
		return sub.Unsubscribe, nil
	}
	s.log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to nats")
	return nil
}

func (s *Source) RequestUpdates(req source.Request, cb source.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb != nil {
		return source.ErrAlreadyRequested
	}
	if s.subscribe == nil {
		return fmt.Errorf("natssource: not connected")
	}
	unsub, err := s.subscribe(s.config.Subject, s.onMsg)
	if err != nil {
		return fmt.Errorf("natssource: subscribe %s: %w", s.config.Subject, err)
	}
	s.cb = cb
	s.throttle = source.NewThrottle(req)
	s.unsubscribe = unsub
	s.log.Info().Dur("interval", req.Interval).Dur("min_interval", req.MinInterval).Msg("updates requested")
	return nil
}

func (s *Source) RemoveUpdates() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb == nil {
		return source.ErrNotRequested
	}
	s.cb = nil
	s.throttle = nil
	unsub := s.unsubscribe
	s.unsubscribe = nil
	if err := unsub(); err != nil {
		s.log.Error().Err(err).Msg("unsubscribe failed")
	}
	s.log.Info().Msg("updates removed")
	return nil
}

// Close drains the connection, flushing pending deliveries.
func (s *Source) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

func (s *Source) onMsg(m *nats.Msg) {
	s.handle(m.Data)
}

func (s *Source) handle(data []byte) {
	msg := droid.Message{}
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Error().Err(err).Msg("error parsing message")
		return
	}
	locs, err := droid.ParseLocations(s.vld, &msg)
	if err != nil {
		s.log.Error().Err(err).Str("type", msg.Type).Msg("error parsing location data")
		return
	}
	fixes := make([]source.Fix, 0, len(locs))
	for _, l := range locs {
		fixes = append(fixes, source.Fix{Latitude: l.Latitude, Longitude: l.Longitude, Accuracy: l.Accuracy, Time: l.GpsTime})
	}

	t := s.now()
	s.mu.Lock()
	cb := s.cb
	allowed := cb != nil && s.throttle.Allow(fixes[len(fixes)-1], t)
	s.mu.Unlock()
	if !allowed {
		s.log.Debug().Int("count", len(fixes)).Msg("location dropped")
		return
	}
	cb(source.Result{Locations: fixes})
}
