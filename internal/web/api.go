package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/phuslu/log"
	"townpass.dev/locationtracker/internal/bridge"
	"townpass.dev/locationtracker/internal/history"
	"townpass.dev/locationtracker/internal/util"
)

type ApiConfig struct {
	ListenAddr string
	// TokenHash is a bcrypt hash of the bearer token. Empty disables the check.
	TokenHash string
}

// Commands is the bridge as seen by the HTTP surface.
type Commands interface {
	Handle(ctx context.Context, method string) (interface{}, error)
	Listen(sink bridge.Sink) string
	Cancel(token string)
}

type History interface {
	Samples() ([]history.LocationSample, error)
}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	log    log.Logger
	cmd    Commands
	hist   History
}

type funcResponse struct {
	Result interface{} `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewApi(cmd Commands, hist History, config *ApiConfig) *Api {
	api := &Api{config: config, cmd: cmd, hist: hist}
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	var final_router chi.Router
	if config.TokenHash != "" {
		final_router = r.With(api.token_verify)
	} else {
		final_router = r
	}
	final_router.Post("/func/{name}", api.call)
	final_router.Get("/history", api.get_history)
	final_router.Get("/stream", api.stream)

	api.r = r
	api.s = &http.Server{
		Addr:              api.config.ListenAddr,
		Handler:           api.r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// Run serves until Shutdown. It returns nil after a clean shutdown.
func (api *Api) Run() error {
	ln, err := net.Listen("tcp", api.s.Addr)
	if err != nil {
		return err
	}
	return api.Serve(ln)
}

func (api *Api) Serve(ln net.Listener) error {
	api.log.Info().Msgf("starting api-server on : %s", ln.Addr())
	err := api.s.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	api.log.Error().Err(err).Msg("")
	return err
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}

func (api *Api) call(w http.ResponseWriter, r *http.Request) {
	f := chi.URLParam(r, "name")
	res, err := api.cmd.Handle(r.Context(), f)
	if errors.Is(err, bridge.ErrNotImplemented) {
		util.JsonWrite(w, http.StatusNotFound, errorResponse{Error: "not implemented"})
		return
	}
	if err != nil {
		api.log.Error().Err(err).Str("func", f).Str("request_id", middleware.GetReqID(r.Context())).Msg("call failed")
		util.JsonWrite(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	util.JsonWrite(w, http.StatusOK, funcResponse{Result: res})
}

func (api *Api) get_history(w http.ResponseWriter, r *http.Request) {
	samples, err := api.hist.Samples()
	if err != nil {
		api.log.Error().Err(err).Msg("error reading history")
		util.JsonWrite(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if samples == nil {
		samples = []history.LocationSample{}
	}
	util.JsonWrite(w, http.StatusOK, samples)
}

// token_verify accepts the token from the Authorization header or, for
// websocket clients that cannot set headers, the token query parameter.
func (api *Api) token_verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tok == "" {
			tok = r.URL.Query().Get("token")
		}
		if tok == "" || !util.CheckPwd(api.config.TokenHash, tok) {
			api.log.Debug().Str("path", r.URL.Path).Msg("invalid api token")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
