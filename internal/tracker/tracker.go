// Package tracker is the location tracking service. While running it takes
// fixes from a push source, records them in the history cache and the archive
// and publishes them on the event bus.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"
	"townpass.dev/locationtracker/internal/eventbus"
	"townpass.dev/locationtracker/internal/history"
	"townpass.dev/locationtracker/internal/source"
	"townpass.dev/locationtracker/internal/store"
)

var ErrPermissionDenied = errors.New("tracker: location permission not granted")

// UpdateRequest is what the service asks of its source.
var UpdateRequest = source.Request{
	Interval:          10 * time.Second,
	MinInterval:       5 * time.Second,
	MinDistanceMeters: 0,
}

// PermissionChecker reports the location permissions granted to the service.
type PermissionChecker interface {
	FineLocation() bool
	BackgroundLocation() bool
}

// StaticPermissions is a PermissionChecker with fixed answers.
type StaticPermissions struct {
	Fine       bool
	Background bool
}

func (p StaticPermissions) FineLocation() bool       { return p.Fine }
func (p StaticPermissions) BackgroundLocation() bool { return p.Background }

type TrackerConfig struct {
	RequireBackground bool
	QueueSize         int
}

type Tracker struct {
	config  *TrackerConfig
	src     source.Source
	perm    PermissionChecker
	cache   *history.Cache
	archive store.LocationStore
	pub     eventbus.Publisher
	now     func() time.Time
	log     log.Logger

	queue     chan source.Fix
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu      sync.Mutex
	running bool
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithArchive(archive store.LocationStore) Option {
	return func(t *Tracker) { t.archive = archive }
}

func WithPublisher(pub eventbus.Publisher) Option {
	return func(t *Tracker) { t.pub = pub }
}

func NewTracker(config *TrackerConfig, src source.Source, perm PermissionChecker, cache *history.Cache, opts ...Option) *Tracker {
	t := &Tracker{config: config, src: src, perm: perm, cache: cache, now: time.Now}
	t.log = log.DefaultLogger
	t.log.Context = log.NewContext(nil).Str("module", "tracker").Value()
	if t.config.QueueSize <= 0 {
		t.config.QueueSize = 64
	}
	for _, opt := range opts {
		opt(t)
	}
	t.queue = make(chan source.Fix, t.config.QueueSize)
	t.done = make(chan struct{})
	t.wg.Add(1)
	go t.loop()
	return t
}

// Start is idempotent. Missing permission or a failing source leaves the
// service running without producing samples until it is stopped and started
// again.
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.log.Info().Msg("already running")
		return nil
	}
	t.running = true
	t.log.Info().Msg("service started")
	t.requestUpdates()
	return nil
}

func (t *Tracker) requestUpdates() {
	if !t.permitted() {
		t.log.Warn().Err(ErrPermissionDenied).Bool("require_background", t.config.RequireBackground).Msg("location updates skipped")
		return
	}
	err := t.src.RequestUpdates(UpdateRequest, t.onResult)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to request location updates")
		return
	}
	t.log.Info().Dur("interval", UpdateRequest.Interval).Msg("location updates requested")
}

func (t *Tracker) permitted() bool {
	if !t.perm.FineLocation() {
		return false
	}
	if t.config.RequireBackground && !t.perm.BackgroundLocation() {
		return false
	}
	return true
}

func (t *Tracker) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	if err := t.src.RemoveUpdates(); err != nil && !errors.Is(err, source.ErrNotRequested) {
		t.log.Error().Err(err).Msg("failed to remove location updates")
	}
	t.log.Info().Msg("service stopped")
	return nil
}

func (t *Tracker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Close stops the service and waits for queued fixes to be processed. Later
// calls are no-ops.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() {
		t.Stop()
		close(t.done)
		t.wg.Wait()
	})
	return nil
}

func (t *Tracker) onResult(r source.Result) {
	fix, ok := r.LastLocation()
	if !ok {
		return
	}
	select {
	case t.queue <- fix:
	default:
		t.log.Warn().Float64("latitude", fix.Latitude).Float64("longitude", fix.Longitude).Msg("queue full, fix dropped")
	}
}

func (t *Tracker) loop() {
	defer t.wg.Done()
	for {
		select {
		case fix := <-t.queue:
			t.process(fix)
		case <-t.done:
			for {
				select {
				case fix := <-t.queue:
					t.process(fix)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracker) process(fix source.Fix) {
	now := t.now()
	sample := history.LocationSample{
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		CapturedAt: history.FormatTime(now),
	}
	if err := t.cache.RecordSample(sample.Latitude, sample.Longitude, sample.CapturedAt); err != nil {
		t.log.Error().Err(err).Msg("failed to record location sample")
	}
	if t.archive != nil {
		t.archive.Put(store.Record{
			Latitude:   fix.Latitude,
			Longitude:  fix.Longitude,
			Accuracy:   fix.Accuracy,
			GpsTime:    fix.Time,
			CapturedAt: now,
		})
	}
	if t.pub != nil {
		if err := t.pub.Emit(context.Background(), eventbus.TopicLocationUpdate, sample); err != nil {
			t.log.Error().Err(err).Msg("failed to publish location update")
		}
	}
	t.log.Debug().Float64("latitude", sample.Latitude).Float64("longitude", sample.Longitude).Str("captured_at", sample.CapturedAt).Msg("location update")
}
