// Package history keeps the trailing window of location samples in durable
// key-value storage. Eviction is done lazily on every write; there is no
// background sweep.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"townpass.dev/locationtracker/internal/store"
)

const (
	// RetentionWindow is shared with the application layer and must not be
	// changed on one side only.
	RetentionWindow = 2 * time.Minute

	// TimeLayout is yyyy-MM-dd'T'HH:mm:ss.SSS'Z' in UTC. The trailing Z is a
	// literal, not a zone directive.
	TimeLayout = "2006-01-02T15:04:05.000Z"

	HistoryKey = "flutter.location_history_cache"
)

type LocationSample struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	CapturedAt string  `json:"capturedAt"`
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

type Cache struct {
	prefs store.Prefs
	key   string
	now   func() time.Time
	log   log.Logger
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithKey(key string) Option {
	return func(c *Cache) { c.key = key }
}

func WithLogger(logger log.Logger) Option {
	return func(c *Cache) { c.log = logger }
}

func NewCache(prefs store.Prefs, opts ...Option) *Cache {
	c := &Cache{prefs: prefs, key: HistoryKey, now: time.Now}
	c.log = log.DefaultLogger
	for _, opt := range opts {
		opt(c)
	}
	parent := c.log.Context[:len(c.log.Context):len(c.log.Context)]
	c.log.Context = log.NewContext(parent).Str("module", "history").Value()
	return c
}

// RecordSample drops every stored entry older than RetentionWindow, appends
// the new sample and writes the result back under the same key. A corrupt
// stored value counts as empty. The returned error is the storage write error,
// if any.
func (c *Cache) RecordSample(latitude, longitude float64, capturedAt string) error {
	entries := c.load()
	// stored timestamps carry milliseconds only
	now := c.now().Truncate(time.Millisecond)
	kept := evict(entries, now)

	entry, err := json.Marshal(LocationSample{Latitude: latitude, Longitude: longitude, CapturedAt: capturedAt})
	if err != nil {
		return fmt.Errorf("history: encode sample: %w", err)
	}
	kept = append(kept, entry)

	data, err := json.Marshal(kept)
	if err != nil {
		return fmt.Errorf("history: encode history: %w", err)
	}
	err = c.prefs.Put(c.key, string(data))
	if err != nil {
		return fmt.Errorf("history: write %s: %w", c.key, err)
	}
	c.log.Debug().Int("total", len(kept)).Int("evicted", len(entries)-len(kept)+1).Msg("sample recorded")
	return nil
}

// Samples returns the stored window as-is, without evicting. Entries that do
// not decode as samples are skipped.
func (c *Cache) Samples() ([]LocationSample, error) {
	entries := c.load()
	samples := make([]LocationSample, 0, len(entries))
	for _, raw := range entries {
		s := LocationSample{}
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func (c *Cache) load() []json.RawMessage {
	value, ok, err := c.prefs.Get(c.key)
	if err != nil {
		c.log.Error().Err(err).Str("key", c.key).Msg("error reading history, starting empty")
		return nil
	}
	if !ok {
		return nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(value), &entries); err != nil {
		c.log.Warn().Err(err).Str("key", c.key).Msg("stored history is not a json array, starting empty")
		return nil
	}
	return entries
}

type stamped struct {
	CapturedAt string `json:"capturedAt"`
}

// evict keeps, in order, the entries captured within RetentionWindow of now.
// Entries that are not objects or carry an unparsable timestamp are dropped.
func evict(entries []json.RawMessage, now time.Time) []json.RawMessage {
	kept := make([]json.RawMessage, 0, len(entries)+1)
	for _, raw := range entries {
		s := stamped{}
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		t, err := ParseTime(s.CapturedAt)
		if err != nil {
			continue
		}
		if now.Sub(t) <= RetentionWindow {
			kept = append(kept, raw)
		}
	}
	return kept
}
