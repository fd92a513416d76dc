package conn

import (
	"bufio"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

var ErrFrameTooLong = errors.New("conn: frame too long")

// Conn is a device connection with a buffered reader and byte counters.
type Conn struct {
	cid      uint64
	tuple    []string
	r        *bufio.Reader
	created  time.Time
	byte_in  uint64
	byte_out uint64
	net.Conn
}

func NewConn(c net.Conn, cid uint64) *Conn {
	sourceip, sourceport, _ := net.SplitHostPort(c.RemoteAddr().String())
	targetip, targetport, _ := net.SplitHostPort(c.LocalAddr().String())

	return &Conn{cid: cid, tuple: []string{sourceip, sourceport, targetip, targetport}, r: bufio.NewReader(c), created: time.Now(), Conn: c}
}

func (c *Conn) Cid() uint64 {
	return c.cid
}

// ReadLine reads until delim, included. More than max bytes without delim
// fails with ErrFrameTooLong.
func (c *Conn) ReadLine(delim byte, max int) ([]byte, error) {
	var d []byte
	for {
		frag, err := c.r.ReadSlice(delim)
		atomic.AddUint64(&c.byte_in, uint64(len(frag)))
		if len(d)+len(frag) > max {
			return nil, ErrFrameTooLong
		}
		d = append(d, frag...)
		if err != bufio.ErrBufferFull {
			return d, err
		}
	}
}

func (c *Conn) Write(d []byte) (int, error) {
	n, err := c.Conn.Write(d)
	atomic.AddUint64(&c.byte_out, uint64(n))
	return n, err
}

func (c *Conn) Stat() (byte_in uint64, byte_out uint64) {
	return atomic.LoadUint64(&c.byte_in), atomic.LoadUint64(&c.byte_out)
}

// Tuple is source ip, source port, target ip, target port.
func (c *Conn) Tuple() []string {
	return c.tuple
}

func (c *Conn) Created() time.Time {
	return c.created
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Uint64("cid", c.cid).Strs("socket", c.tuple)
}
