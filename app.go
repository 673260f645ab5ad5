package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const stopGrace = time.Second

func newApp(config *Config, logger *zap.Logger) *fx.App {
	return fx.New(appOptions(config, logger))
}

func appOptions(config *Config, logger *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(config, logger),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Provide(
			provideReader,
			provideTracker,
			provideServer,
			provideSampler,
			provideHTTPServer,
		),
		fx.Invoke(registerHooks),
	)
}

func provideReader(config *Config) *Reader {
	files := newProcFiles(config.MaxReadBytes, config.ReadTimeout)
	return newReader(files, config.Sources, config.NetDevFilter())
}

func provideTracker(logger *zap.Logger) *BandwidthTracker {
	return newBandwidthTracker(logger.Named("tracker"))
}

func provideServer(config *Config, logger *zap.Logger) *Server {
	return newServer(config, logger.Named("hub"))
}

func provideSampler(config *Config, reader *Reader, tracker *BandwidthTracker, srv *Server, logger *zap.Logger) *Sampler {
	return newSampler(reader, tracker, srv, clock.New(), config.Interval, logger.Named("sampler"))
}

func provideHTTPServer(srv *Server) *http.Server {
	return &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func registerHooks(lc fx.Lifecycle, config *Config, sampler *Sampler, srv *Server, httpSrv *http.Server, logger *zap.Logger) {
	log := logger.Named("http")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := sampler.Probe(ctx); err != nil {
				return err
			}

			ln, err := net.Listen("tcp", config.ListenAddr())
			if err != nil {
				return err
			}
			go func() {
				if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http serve", zap.Error(err))
				}
			}()

			// The start context expires after startup; the loop needs its own.
			sampler.Start(context.Background())

			log.Info("procws-agent listening",
				zap.String("version", version),
				zap.String("addr", ln.Addr().String()),
				zap.Duration("interval", config.Interval))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down")
			sampler.Stop(stopGrace)
			srv.CloseAll()
			return httpSrv.Shutdown(ctx)
		},
	})
}
