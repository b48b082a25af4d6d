// Команда phone_link держит SIP регистрацию с автоматическим
// восстановлением соединения и отдает Prometheus метрики.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arzzra/phone_link/pkg/client"
	"github.com/arzzra/phone_link/pkg/config"
	"github.com/arzzra/phone_link/pkg/metrics"
	"github.com/arzzra/phone_link/pkg/sip_engine"
	"github.com/arzzra/phone_link/pkg/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fs := config.Flags()
	subscribe := fs.StringSlice("subscribe", nil, "presence targets to subscribe to after connect")
	selfTest := fs.Bool("audio-self-test", false, "run a local WebRTC loopback call and check audio")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("Invalid flags")
	}
	path, _ := fs.GetString("config")

	cfg, err := config.Load(path, fs)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(metrics.Config{Registerer: registry})

	cl, err := client.New(
		client.WithEngineFactory(sip_engine.Factory(cfg.Engine())),
		client.WithConfig(client.Config{
			Transport: cfg.Transport(),
			Audio:     cfg.AudioOptions(),
		}),
		client.WithLogger(log.Logger),
		client.WithMetrics(collector),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}

	cl.OnStatusUpdate(func(status transport.ConnectionStatus) {
		log.Info().Str("status", status.String()).Msg("Status update")
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(cl.Status().String() + "\n"))
	})

	srv := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Metrics.Listen).Msg("Metrics server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	if err := cl.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial connect failed, retrying in background")
	}

	for _, target := range *subscribe {
		if err := cl.Subscribe(ctx, target, target); err != nil {
			log.Warn().Err(err).Str("target", target).Msg("Subscribe failed")
		}
	}

	if *selfTest {
		if err := runAudioSelfTest(ctx, cl); err != nil {
			log.Error().Err(err).Msg("Audio self test failed")
		} else {
			log.Info().Msg("Audio self test passed")
		}
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := cl.Disconnect(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Disconnect failed")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Metrics server forced to shutdown")
	}
	log.Info().Msg("Exited gracefully")
}
