package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/maskmeet/maskmeet/internal/api"
	"github.com/maskmeet/maskmeet/internal/config"
	"github.com/maskmeet/maskmeet/internal/logging"
	"github.com/maskmeet/maskmeet/internal/media"
	"github.com/maskmeet/maskmeet/internal/meeting"
	"github.com/maskmeet/maskmeet/internal/overlay"
	"github.com/maskmeet/maskmeet/internal/sfu"
	"github.com/maskmeet/maskmeet/internal/signal"
	"github.com/maskmeet/maskmeet/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	log := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	router, err := sfu.NewRouter(sfu.RouterConfig{
		ListenIP:    cfg.ListenIP,
		AnnouncedIP: cfg.AnnouncedIP,
	}, logging.Component(log, "sfu"))
	if err != nil {
		log.Fatal().Err(err).Msg("sfu router init failed")
	}

	manager := meeting.NewManager(meeting.ManagerConfig{
		Router:     router,
		Ports:      media.NewPortAllocator(cfg.RTPPortBase, cfg.RTPPortMax),
		Cache:      overlay.NewCache(logging.Component(log, "overlay")),
		Transform:  overlay.NewWatermark(),
		Log:        logging.Component(log, "meeting"),
		FFmpegPath: cfg.FFmpegPath,
		ListenIP:   cfg.ListenIP,
	})

	r := mux.NewRouter()
	r.HandleFunc("/ws", signal.Handler(manager, logging.Component(log, "signal")))

	if cfg.DatabaseDSN != "" {
		st, err := store.Open(cfg.DatabaseDSN, cfg.ProfileSecret)
		if err != nil {
			log.Fatal().Err(err).Msg("store init failed")
		}
		auth := api.NewAuthenticator(cfg.AuthURL, logging.Component(log, "auth"))
		api.NewServer(st, auth, logging.Component(log, "api")).Routes(r)
	} else {
		log.Info().Msg("no database dsn, rest api disabled")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	ossignal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
	_ = router.Close()
}
