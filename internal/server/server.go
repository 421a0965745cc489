package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	httpin_integ "github.com/ggicci/httpin/integration"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ttn-nguyen42/retryq/internal/broker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func init() {
	httpin_integ.UseGochiURLParam("path", chi.URLParam)
}

type Options struct {
	Addr   string
	Logger *slog.Logger

	// Gatherer backs /metrics, which is not mounted when nil.
	Gatherer prometheus.Gatherer

	ShutdownTimeout time.Duration
}

func defaultOpts(opts *Options) *Options {
	o := &Options{
		Addr:            ":8080",
		Logger:          slog.Default(),
		ShutdownTimeout: 5 * time.Second,
	}
	if opts == nil {
		return o
	}

	if len(opts.Addr) > 0 {
		o.Addr = opts.Addr
	}
	if opts.Logger != nil {
		o.Logger = opts.Logger
	}
	if opts.ShutdownTimeout > 0 {
		o.ShutdownTimeout = opts.ShutdownTimeout
	}
	o.Gatherer = opts.Gatherer

	return o
}

// runtime is what every handler closes over.
type runtime struct {
	logger *slog.Logger
	br     broker.Broker
}

type Server struct {
	opts   *Options
	logger *slog.Logger
	router chi.Router
	hs     *http.Server
}

func NewServer(opts *Options, br broker.Broker) *Server {
	o := defaultOpts(opts)

	s := &Server{
		opts:   o,
		logger: o.Logger,
		router: chi.NewRouter(),
	}

	s.router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		accessLog(o.Logger),
	)

	s.routes(&runtime{
		logger: o.Logger,
		br:     br,
	})

	s.hs = &http.Server{
		Addr:              o.Addr,
		Handler:           otelhttp.NewHandler(s.router, "retryq.http"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) routes(rt *runtime) {
	submitTask(s.router, rt)
	getTask(s.router, rt)
	listTasks(s.router, rt)
	getQueue(s.router, rt)

	if s.opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler exposes the routes without the tracing wrapper, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.
				With("method", r.Method).
				With("path", r.URL.Path).
				With("status", ww.Status()).
				With("elapsed", time.Since(start)).
				With("request_id", middleware.GetReqID(r.Context())).
				Debug("request served")
		})
	}
}

// Run starts listening in the background.
func (s *Server) Run() error {
	go func() {
		s.logger.
			With("addr", s.opts.Addr).
			Info("server is running")

		if err := s.hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.
				With("err", err).
				Error("failed to run server")
		}
	}()

	return nil
}

func (s *Server) Close() error {
	s.logger.Info("server is closing")

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	return s.hs.Shutdown(ctx)
}
