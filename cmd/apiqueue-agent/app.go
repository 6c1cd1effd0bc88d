package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/DarlingtonDeveloper/apiqueue"
	"github.com/DarlingtonDeveloper/apiqueue/internal/config"
)

const shutdownTimeout = 5 * time.Second

// App owns every long-lived client of the agent.
type App struct {
	cfg        *config.Config
	dispatcher *apiqueue.Dispatcher
	conn       apiqueue.Connectivity
	prober     *apiqueue.Prober
	server     *http.Server
	tracing    *tracing

	nc       *nats.Conn
	amqpConn *amqp.Connection
	amqpCh   *amqp.Channel
	pool     *pgxpool.Pool
	rdb      *redis.Client
}

func newApp(cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}
	ctx := context.Background()

	t, err := initTracing(cfg.JaegerEndpoint)
	if err != nil {
		return nil, err
	}
	a.tracing = t

	store, err := a.openStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name(serviceName),
			nats.MaxReconnects(-1),
			nats.RetryOnFailedConnect(true),
		)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.nc = nc
	}

	conn, err := a.connectivity()
	if err != nil {
		a.close()
		return nil, err
	}
	a.conn = conn

	opts := []apiqueue.Option{apiqueue.WithMaxAttempts(cfg.MaxAttempts)}
	sink, err := a.deadLetterSink()
	if err != nil {
		a.close()
		return nil, err
	}
	if sink != nil {
		opts = append(opts, apiqueue.WithDeadLetterSink(sink))
	}

	sender := apiqueue.NewHTTPSender(cfg.BaseURL, cfg.RequestTimeout)
	a.dispatcher = apiqueue.NewDispatcher(store, sender, conn, opts...)
	a.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) (apiqueue.QueueStore, error) {
	switch a.cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, a.cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.pool = pool
		if err := apiqueue.Migrate(pool); err != nil {
			return nil, err
		}
		return apiqueue.NewPGStore(pool, a.cfg.QueueKey), nil
	case config.DriverRedis:
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return apiqueue.NewRedisStore(a.rdb, a.cfg.QueueKey), nil
	case config.DriverFile:
		return apiqueue.NewFileStore(a.cfg.FilePath), nil
	default:
		return apiqueue.NewMemoryStore(), nil
	}
}

func (a *App) connectivity() (apiqueue.Connectivity, error) {
	switch a.cfg.ConnectivityMode {
	case config.ModeNATS:
		if a.nc == nil {
			return nil, errors.New("nats connectivity needs nats.url")
		}
		return apiqueue.NewNATSConnectivity(a.nc), nil
	case config.ModeProbe:
		a.prober = apiqueue.NewProber(a.cfg.BaseURL, a.cfg.ProbeInterval, a.cfg.RequestTimeout)
		return a.prober, nil
	default:
		return apiqueue.NewSwitch(true), nil
	}
}

// deadLetterSink prefers NATS when connected to it, then RabbitMQ. It returns
// nil when neither is configured.
func (a *App) deadLetterSink() (apiqueue.DeadLetterSink, error) {
	if a.nc != nil {
		return apiqueue.NewNATSDeadLetters(a.nc), nil
	}
	if a.cfg.AMQPURL == "" {
		return nil, nil
	}

	conn, err := amqp.Dial(a.cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	a.amqpConn = conn
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	a.amqpCh = ch
	if err := ch.ExchangeDeclare(a.cfg.AMQPExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", a.cfg.AMQPExchange, err)
	}
	return apiqueue.NewAMQPDeadLetters(ch, a.cfg.AMQPExchange), nil
}

func (a *App) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "student-id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/api/v1/queue", apiqueue.NewHandler(a.dispatcher).Routes())
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("apiqueue-agent http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Run serves until SIGINT or SIGTERM, then shuts everything down.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	unsubscribe := apiqueue.Observe(ctx, a.conn, a.dispatcher)
	defer unsubscribe()

	if a.prober != nil {
		a.prober.Start(ctx)
		g.Go(func() error {
			a.prober.Wait()
			return nil
		})
	} else {
		// Static and NATS sources only notify on change; drain anything left
		// from a previous run.
		g.Go(func() error {
			if up, _ := a.conn.Connected(ctx); up {
				a.dispatcher.Flush(ctx)
			}
			return nil
		})
	}

	if a.nc != nil {
		sub, err := apiqueue.NewProcessor(a.dispatcher).Subscribe(ctx, a.nc, a.cfg.IngestSubject)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", a.cfg.IngestSubject, err)
		}
		defer sub.Unsubscribe()
		slog.Info("apiqueue-agent: listening on nats", "subject", a.cfg.IngestSubject)
	}

	g.Go(func() error {
		slog.Info("apiqueue-agent: http listening", "addr", a.cfg.HTTPAddr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("apiqueue-agent: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.close()
	return err
}

func (a *App) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			slog.Error("apiqueue-agent: nats drain failed", "error", err)
		}
	}
	if a.amqpCh != nil {
		a.amqpCh.Close()
	}
	if a.amqpConn != nil {
		if err := a.amqpConn.Close(); err != nil {
			slog.Error("apiqueue-agent: amqp close failed", "error", err)
		}
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			slog.Error("apiqueue-agent: tracer shutdown failed", "error", err)
		}
	}
	slog.Info("apiqueue-agent: shutdown complete")
}
