package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/opencreds/wallet-session-coordinator/cmd/flags"
	"github.com/opencreds/wallet-session-coordinator/httpserver"
	"github.com/opencreds/wallet-session-coordinator/relay"
)

func main() {
	app := &cli.App{
		Name:  "relayserver",
		Usage: "Serve the device-link pairing relay API",
		Flags: append([]cli.Flag{
			flags.ListenAddrFlag,
			flags.SessionTTLFlag,
			flags.LogServiceFlagFn("devicelink-relay"),
		}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String(flags.ListenAddrFlag.Name)
			sessionTTL := cCtx.Duration(flags.SessionTTLFlag.Name)

			logger := flags.SetupLogger(cCtx)

			store := relay.NewStore(sessionTTL, logger)

			cfg := flags.ConfigureServer(cCtx, logger, listenAddr)
			server, err := httpserver.New(cfg, store)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Relay is running, press Ctrl+C to stop", "sessionTTL", sessionTTL)
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
