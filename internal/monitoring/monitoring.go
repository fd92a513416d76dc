// Package monitoring serves the state of connected devices on a separate,
// usually loopback-only, listener.
package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/phuslu/log"
	"townpass.dev/locationtracker/internal/source/droid"
	"townpass.dev/locationtracker/internal/util"
)

type StatusProvider interface {
	GetClientsStatus() []droid.ClientStatus
}

type MonitoringServer struct {
	src    StatusProvider
	server *http.Server
	log    log.Logger
}

type MonitoringConfig struct {
	ListenAddr string
}

func NewMonApi(src StatusProvider, config *MonitoringConfig) *MonitoringServer {
	m := &MonitoringServer{}
	m.src = src
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "monitoring").Value()
	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        http.HandlerFunc(m.serve_http),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return m
}

func (m *MonitoringServer) Run() error {
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return err
	}
	m.log.Info().Msgf("starting monitoring server on : %s", ln.Addr())
	err = m.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (m *MonitoringServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}

func (m *MonitoringServer) serve_http(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	res := m.src.GetClientsStatus()
	util.JsonWrite(w, http.StatusOK, res)
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return http.HandlerFunc(m.serve_http)
}
