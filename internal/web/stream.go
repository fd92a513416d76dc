package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"townpass.dev/locationtracker/internal/bridge"
	"townpass.dev/locationtracker/internal/history"
)

var errStreamClosed = errors.New("web: stream closed")

const writeTimeout = 10 * time.Second

// streamClient is the bridge sink for one websocket subscriber. Success never
// blocks; samples that do not fit the queue are dropped and counted.
type streamClient struct {
	wch      chan history.LocationSample
	replaced chan struct{}
	once     sync.Once
	closed   uint32
	pushed   uint64
	dropped  uint64
	log      log.Logger
}

func (sc *streamClient) Replaced() {
	sc.once.Do(func() { close(sc.replaced) })
}

func (sc *streamClient) Success(s history.LocationSample) error {
	if atomic.LoadUint32(&sc.closed) == 1 {
		return errStreamClosed
	}
	select {
	case sc.wch <- s:
		atomic.AddUint64(&sc.pushed, 1)
	default:
		atomic.AddUint64(&sc.dropped, 1)
		sc.log.Debug().Msg("stream queue full, dropping sample")
	}
	return nil
}

func (api *Api) stream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		api.log.Error().Err(err).Msg("error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "")

	sc := &streamClient{wch: make(chan history.LocationSample, 16), replaced: make(chan struct{})}
	sc.log = api.log
	parent := api.log.Context[:len(api.log.Context):len(api.log.Context)]
	sc.log.Context = log.NewContext(parent).Str("channel", bridge.EventChannel).Str("remote", r.RemoteAddr).Value()

	// the client only ever closes, reads are discarded
	ctx := c.CloseRead(context.Background())
	token := api.cmd.Listen(sc)
	defer func() {
		atomic.StoreUint32(&sc.closed, 1)
		api.cmd.Cancel(token)
		sc.log.Info().Uint64("pushed", atomic.LoadUint64(&sc.pushed)).Uint64("dropped", atomic.LoadUint64(&sc.dropped)).Msg("stream closed")
	}()

	for {
		select {
		case s := <-sc.wch:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c, s)
			cancel()
			if err != nil {
				sc.log.Error().Err(err).Msg("error while writing to connection")
				return
			}
		case <-sc.replaced:
			sc.log.Info().Msg("stream replaced by a newer subscriber")
			c.Close(websocket.StatusPolicyViolation, "replaced by a newer subscriber")
			return
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}
