package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/openmeet/meetcore/internal/config"
	"github.com/openmeet/meetcore/internal/directory"
	"github.com/openmeet/meetcore/internal/media"
	"github.com/openmeet/meetcore/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var (
		room    = flag.String("room", "", "room identifier to join")
		userID  = flag.Int64("user", 0, "numeric user id")
		name    = flag.String("name", "guest", "display name")
		lang    = flag.String("lang", "en", "speaker language")
		token   = flag.String("token", "", "bearer credential for the signaling server")
		isOwner = flag.Bool("owner", false, "join as room owner")
	)
	flag.StringVar(&cfg.SignalingURL, "addr", cfg.SignalingURL, "signaling server URL")
	flag.Parse()

	if *room == "" {
		log.Fatal("a room identifier is required (-room)")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	devices, err := media.NewDeviceProvider(cfg.STT.SourceRate, logger)
	if err != nil {
		logger.Fatal("failed to prepare device provider", zap.Error(err))
	}

	var dir directory.Directory
	pg, err := directory.OpenPostgres(cfg.Directory.DSN)
	if err != nil {
		logger.Warn("user database unavailable, participant names will be missing", zap.Error(err))
		dir = directory.NewStatic()
	} else {
		dir = pg
		defer pg.Close()
	}

	fatalCh := make(chan error, 1)

	sess, err := session.New(session.Options{
		Config: cfg,
		Identity: session.Identity{
			UserID:    *userID,
			FirstName: *name,
			Language:  *lang,
			AllLangs:  []string{*lang},
		},
		Room:           *room,
		IsOwner:        *isOwner,
		Token:          oauth2.StaticTokenSource(&oauth2.Token{AccessToken: *token}),
		Devices:        devices,
		Directory:      dir,
		EnginePopulate: devices.PopulateEngine,
		OnFatal: func(err error) {
			select {
			case fatalCh <- err:
			default:
			}
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create session", zap.Error(err))
	}

	ctx := context.Background()
	if err := sess.Join(ctx); err != nil {
		logger.Fatal("failed to join room", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-fatalCh:
		logger.Error("session failed", zap.Error(err))
	}

	sess.End()
}
