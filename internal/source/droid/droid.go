package droid

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"townpass.dev/locationtracker/internal/conn"
	"townpass.dev/locationtracker/internal/source"
)

const (
	NEW_CONNECTION      string = "new_connection"
	LOGIN_MESSAGE       string = "login_message"
	LOGIN_MESSAGE_ERROR string = "login_message_error"
	LOCATION_UPDATE     string = "location_update"
	LOCATION_THROTTLED  string = "location_throttled"
)

var errRejectedLogin = errors.New("first message not login message")

type DroidConfig struct {
	ListenAddr   string
	ReadDeadline time.Duration
	// MaxFrameSize bounds one newline-terminated frame, in bytes.
	MaxFrameSize int
}

const DefaultMaxFrameSize = 64 * 1024

// Server accepts device connections that stream newline-delimited JSON
// frames and turns their location frames into source results.
type Server struct {
	config   *DroidConfig
	log      log.Logger
	vld      *validator.Validate
	now      func() time.Time
	listener net.Listener

	mu          sync.Mutex
	cid_counter uint64
	conns       map[uint64]net.Conn
	sessions    map[uint64]*session
	cb          source.Callback
	throttle    *source.Throttle
	closed      bool
}

func NewServer(config *DroidConfig) *Server {
	s := &Server{config: config}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "droid-server").Value()
	s.vld = validator.New()
	s.now = time.Now
	s.conns = make(map[uint64]net.Conn)
	s.sessions = make(map[uint64]*session)
	if s.config.ReadDeadline == 0 {
		s.config.ReadDeadline = 2 * time.Minute
	}
	if s.config.MaxFrameSize <= 0 {
		s.config.MaxFrameSize = DefaultMaxFrameSize
	}
	return s
}

func (s *Server) RequestUpdates(req source.Request, cb source.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb != nil {
		return source.ErrAlreadyRequested
	}
	s.cb = cb
	s.throttle = source.NewThrottle(req)
	s.log.Info().Dur("interval", req.Interval).Dur("min_interval", req.MinInterval).Msg("updates requested")
	return nil
}

func (s *Server) RemoveUpdates() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb == nil {
		return source.ErrNotRequested
	}
	s.cb = nil
	s.throttle = nil
	s.log.Info().Msg("updates removed")
	return nil
}

// Listen binds the listener; Serve accepts on it until Close.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("droid: listen %s: %w", s.config.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = &proxyproto.Listener{Listener: ln}
	s.mu.Unlock()
	s.log.Info().Msgf("starting droid-server on %s", ln.Addr())
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Run() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	for {
		_c, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			s.log.Error().Err(err).Msg("failed to accept new connection")
			return err
		}
		s.mu.Lock()
		s.cid_counter = s.cid_counter + 1
		cid := s.cid_counter
		s.conns[cid] = _c
		s.mu.Unlock()
		go func() {
			// the proxy header is read lazily by RemoteAddr, keep it off the accept loop
			c := conn.NewConn(_c, cid)
			s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
			s.handle(c)
		}()
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *Server) drop(c *conn.Conn) {
	c.Close()
	s.mu.Lock()
	delete(s.conns, c.Cid())
	delete(s.sessions, c.Cid())
	s.mu.Unlock()
	in, out := c.Stat()
	s.log.Debug().EmbedObject(c).Uint64("byte_in", in).Uint64("byte_out", out).Msg("connection closed")
}

type session struct {
	c      *conn.Conn
	device string
	login  time.Time
}

type ClientStatus struct {
	Cid       uint64    `json:"cid"`
	Device    string    `json:"device"`
	Socket    []string  `json:"socket"`
	Connected time.Time `json:"connected"`
	Login     time.Time `json:"login"`
	ByteIn    uint64    `json:"byte_in"`
	ByteOut   uint64    `json:"byte_out"`
}

// GetClientsStatus lists the devices currently logged in, by connection id.
func (s *Server) GetClientsStatus() []ClientStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]ClientStatus, 0, len(s.sessions))
	for cid, ss := range s.sessions {
		in, out := ss.c.Stat()
		res = append(res, ClientStatus{Cid: cid, Device: ss.device, Socket: ss.c.Tuple(), Connected: ss.c.Created(), Login: ss.login, ByteIn: in, ByteOut: out})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Cid < res[j].Cid })
	return res
}

func (s *Server) readParse(c *conn.Conn) (*Message, error) {
	_ = c.SetReadDeadline(time.Now().Add(s.config.ReadDeadline))
	b, err := c.ReadLine('\n', s.config.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	m := Message{}
	err = json.Unmarshal(b, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Server) handle(c *conn.Conn) {
	defer s.drop(c)
	logger := s.log
	// full slice expression so per-connection appends never share the parent array
	parent := s.log.Context[:len(s.log.Context):len(s.log.Context)]
	logger.Context = log.NewContext(parent).Uint64("cid", c.Cid()).Value()

	msg, err := s.readParse(c)
	if err != nil {
		logger.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).Msg("error reading login message")
		return
	}
	if msg.Type != LOGIN {
		logger.Error().Err(errRejectedLogin).Str("event", LOGIN_MESSAGE_ERROR).Str("type", msg.Type).Msg("")
		return
	}
	login := LoginData{}
	if err = decode(s.vld, msg.Data, &login); err != nil {
		logger.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).Msg("error parsing login message")
		return
	}
	logger.Context = log.NewContext(logger.Context).Str("device", login.Device).Value()
	logger.Info().Str("event", LOGIN_MESSAGE).Msg("login successful")
	s.mu.Lock()
	s.sessions[c.Cid()] = &session{c: c, device: login.Device, login: time.Now()}
	s.mu.Unlock()

	for {
		msg, err := s.readParse(c)
		if err != nil {
			logger.Error().Err(err).Msg("error while reading message")
			return
		}
		switch msg.Type {
		case LOCATION, BATCH:
			locs, err := ParseLocations(s.vld, msg)
			if err != nil {
				logger.Error().Err(err).Str("type", msg.Type).Msg("error parsing location data")
				continue
			}
			s.deliver(logger, locs)
		case STATUS:
			status := StatusData{}
			if err = json.Unmarshal(msg.Data, &status); err != nil {
				logger.Error().Err(err).Msg("error parsing status data")
				continue
			}
			logger.Debug().Str("event", "status update").Str("status", status.Status).Msg("")
		default:
			logger.Warn().Str("type", msg.Type).Msg("unknown message type")
		}
	}
}

func (s *Server) deliver(logger log.Logger, locs []LocationData) {
	t := s.now()
	s.mu.Lock()
	cb := s.cb
	th := s.throttle
	if cb == nil {
		s.mu.Unlock()
		logger.Trace().Msg("no updates requested, location dropped")
		return
	}
	fixes := make([]source.Fix, 0, len(locs))
	for _, l := range locs {
		fixes = append(fixes, source.Fix{Latitude: l.Latitude, Longitude: l.Longitude, Accuracy: l.Accuracy, Time: l.GpsTime})
	}
	// a batch passes or fails as a whole, judged by its newest fix
	allowed := th.Allow(fixes[len(fixes)-1], t)
	s.mu.Unlock()
	if !allowed {
		logger.Debug().Str("event", LOCATION_THROTTLED).Int("count", len(locs)).Msg("")
		return
	}
	logger.Debug().Str("event", LOCATION_UPDATE).Int("count", len(fixes)).Msg("")
	cb(source.Result{Locations: fixes})
}
