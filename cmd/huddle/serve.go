package main

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/huddle/internal/auth"
	"github.com/mistakeknot/huddle/internal/bus"
	"github.com/mistakeknot/huddle/internal/bus/redisbus"
	"github.com/mistakeknot/huddle/internal/config"
	httpapi "github.com/mistakeknot/huddle/internal/http"
	"github.com/mistakeknot/huddle/internal/lifecycle"
	"github.com/mistakeknot/huddle/internal/listener"
	"github.com/mistakeknot/huddle/internal/media/livekit"
	"github.com/mistakeknot/huddle/internal/persona"
	"github.com/mistakeknot/huddle/internal/registrar"
	"github.com/mistakeknot/huddle/internal/server"
	"github.com/mistakeknot/huddle/internal/ws"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session registrar, room webhook and worker feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := slog.Default().With("component", "registrar")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireMedia(); err != nil {
				return err
			}
			keysPath := cfg.KeysFile
			if keysPath == "" {
				keysPath = auth.ResolveKeysPath()
			}
			ring, err := auth.LoadKeyring(keysPath)
			if err != nil {
				return err
			}
			coaches, err := persona.LoadDirectory(cfg.CoachesFile)
			if err != nil {
				return err
			}
			rooms, err := livekit.NewRooms(livekit.Config{URL: cfg.LiveKit.URL, APIKey: cfg.LiveKit.APIKey, APISecret: cfg.LiveKit.APISecret})
			if err != nil {
				return err
			}
			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.stop()

			var (
				pub  bus.Publisher
				feed *ws.Hub
			)
			switch cfg.Bus {
			case config.BusRedis:
				if st.redis == nil {
					return errors.New("redis bus needs the redis store")
				}
				pub = redisbus.New(st.redis.Client(), redisbus.DefaultChannel)
			default:
				feed = ws.NewHub(logger)
				pub = feed
			}

			reg := registrar.New(st, rooms, pub, coaches, cfg.Registrar, logger)
			reaper := registrar.NewReaper(st, pub, rooms, cfg.Registrar, logger)
			reaper.Start(ctx)
			defer reaper.Stop()

			lis := listener.New(st, lifecycle.NewCleaner(st, logger), rooms, cfg.Agent.CleanupTimeout, logger)
			routes := httpapi.Routes{
				Service:  httpapi.NewService(reg, logger),
				Webhooks: lis,
				Auth:     auth.Middleware(ring),
			}
			if feed != nil {
				routes.Feed = feed.Handler()
			}
			srv, err := server.New(server.Config{
				Addr:       cfg.Addr,
				SocketPath: cfg.SocketPath,
				Handler:    httpapi.NewRouter(routes),
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			logger.Info("registrar starting", "coaches", coaches.Len(), "store", cfg.Store, "bus", cfg.Bus)
			return srv.Run(ctx)
		},
	}
}
