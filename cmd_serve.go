package main

import (
	"errors"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/deemkeen/trunk/auth"
	"github.com/deemkeen/trunk/stream"
	"github.com/deemkeen/trunk/util"
	"github.com/deemkeen/trunk/web"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, the delivery workers and the queue reporter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, path, err := loadConfig()
			if err != nil {
				return err
			}
			if conf.Conf.TokenSecret == "" {
				return errors.New("tokenSecret must be set")
			}
			log := util.Logger("main")
			log.Info().Str("version", util.GetNameAndVersion()).Str("domain", conf.Conf.SslDomain).Msg("starting")

			ctx := cmd.Context()
			a, err := newApp(ctx, conf)
			if err != nil {
				return err
			}
			defer a.Close()

			a.queue.Start(ctx)
			defer a.queue.Stop()
			if err := a.reporter.Start(ctx); err != nil {
				return err
			}
			defer a.reporter.Stop()

			sweeper := cron.New()
			if _, err := sweeper.AddFunc("@every 10m", a.caches.Sweep); err != nil {
				return err
			}
			sweeper.Start()
			defer func() { <-sweeper.Stop().Done() }()

			go func() {
				err := util.WatchConfig(ctx, path, func(c *util.AppConfig) {
					if logLevel != "" {
						return
					}
					lvl := util.SetLogLevel(c.Conf.LogLevel)
					log.Info().Str("level", lvl.String()).Msg("log level applied")
				})
				if err != nil {
					log.Warn().Err(err).Str("path", path).Msg("config watch disabled")
				}
			}()

			srv := web.NewServer(ctx, conf, web.Deps{
				Accounts: a.db,
				Health:   a.db,
				Inbox:    a.inbox,
				Relays:   a.relays,
				Tester:   a.tester,
				Stream: stream.Deps{
					Bus:           a.bus,
					Caches:        a.caches,
					Notifications: a.accounts,
					Channels:      stream.DefaultRegistry(),
					Refresh:       conf.StreamRefresh(),
				},
				Tokens: auth.DefaultTokenConfig(conf.Conf.TokenSecret),
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Run(ctx) }()

			if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				log.Warn().Err(err).Msg("sd_notify failed")
			} else if sent {
				log.Debug().Msg("systemd notified")
			}

			err = <-errCh
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			log.Info().Msg("shutting down")
			return err
		},
	}
}
