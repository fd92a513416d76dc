package pgstore

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
	"townpass.dev/locationtracker/internal/store"
)

var locationColumns = []string{"latitude", "longitude", "accuracy", "gps_time", "captured_at"}

// copier is the part of *pgxpool.Pool the archive needs.
type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store archives every recorded fix. Put only appends to a write buffer; full
// or aged buffers are handed to a single flusher goroutine which COPYs them
// into the table.
type Store struct {
	config *StoreConfig
	db     copier
	log    log.Logger
	now    func() time.Time

	wlock sync.Mutex
	wbuf  buffer

	flushq  chan buffer
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	closed  bool
}

type StoreConfig struct {
	Table       string
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

type buffer struct {
	seq uint64
	t1  time.Time
	buf []store.Record
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]store.Record, 0, len)}
}

func NewStore(db copier, config *StoreConfig) *Store {
	o := &Store{config: config, db: db, now: time.Now}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Str("table", config.Table).Value()
	if o.config.BufSize <= 0 {
		o.config.BufSize = 128
	}
	if o.config.TickerDur <= 0 {
		o.config.TickerDur = time.Second
	}
	if o.config.MaxAgeFlush <= 0 {
		o.config.MaxAgeFlush = 5 * time.Second
	}
	o.wbuf = new_buffer(0, o.config.BufSize)
	o.flushq = make(chan buffer, 4)
	o.done = make(chan struct{})
	return o
}

func (st *Store) Run() {
	st.wlock.Lock()
	st.started = true
	st.wlock.Unlock()
	st.wg.Add(2)
	go st.timer_flusher()
	go st.handle()
}

func (st *Store) timer_flusher() {
	defer st.wg.Done()
	ticker := time.NewTicker(st.config.TickerDur)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 && st.now().Sub(st.wbuf.t1) >= st.config.MaxAgeFlush {
				st.flush()
			}
			st.wlock.Unlock()
		case <-st.done:
			return
		}
	}
}

func (st *Store) Put(rec store.Record) {
	st.wlock.Lock()
	defer st.wlock.Unlock()
	if st.closed {
		st.log.Warn().Msg("put after close, record dropped")
		return
	}
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = st.now()
	}
	st.wbuf.buf = append(st.wbuf.buf, rec)
	if len(st.wbuf.buf) == st.config.BufSize {
		st.flush()
	}
}

// flush must be called with wlock held.
func (st *Store) flush() {
	next := st.wbuf.seq + 1
	select {
	case st.flushq <- st.wbuf:
	default:
		st.log.Error().Uint64("seq", st.wbuf.seq).Int("length", len(st.wbuf.buf)).Msg("flusher busy, buffer dropped")
	}
	st.wbuf = new_buffer(next, st.config.BufSize)
}

func (st *Store) handle() {
	defer st.wg.Done()
	st.log.Info().Msg("starting flusher task")
	for buf := range st.flushq {
		st.copy(buf)
	}
}

func (st *Store) copy(buf buffer) {
	t1 := time.Now()
	_, err := st.db.CopyFrom(context.Background(),
		pgx.Identifier{st.config.Table},
		locationColumns,
		pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
			d := buf.buf[i]
			return []interface{}{d.Latitude, d.Longitude, d.Accuracy, d.GpsTime, d.CapturedAt}, nil
		}))
	if err != nil {
		st.log.Error().Err(err).Uint64("seq", buf.seq).Msg("flush error")
	} else {
		st.log.Debug().Str("action", "flush").Uint64("seq", buf.seq).Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
	}
}

// Close flushes what is buffered and waits for the flusher to finish.
func (st *Store) Close() error {
	st.wlock.Lock()
	if st.closed {
		st.wlock.Unlock()
		return nil
	}
	st.closed = true
	close(st.done)
	if !st.started {
		st.wg.Add(1)
		go st.handle()
	}
	if len(st.wbuf.buf) != 0 {
		// the flusher drains the queue, so block instead of dropping
		st.flushq <- st.wbuf
		st.wbuf = new_buffer(st.wbuf.seq+1, 0)
	}
	close(st.flushq)
	st.wlock.Unlock()
	st.wg.Wait()
	return nil
}
