package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/opencreds/wallet-session-coordinator/cmd/flags"
	"github.com/opencreds/wallet-session-coordinator/devicelink"
	"github.com/opencreds/wallet-session-coordinator/keyderivation"
	"github.com/opencreds/wallet-session-coordinator/relay"
	"github.com/opencreds/wallet-session-coordinator/storage"
)

func main() {
	app := &cli.App{
		Name:  "pairctl",
		Usage: "Exchange a device share between two devices through the relay",
		Flags: append([]cli.Flag{
			flags.RelayURLFlag,
			flags.SecureStoreFlag,
			flags.HandoffPathFlag,
			flags.ShareServiceFlag,
			flags.LogServiceFlagFn("pairctl"),
		}, flags.CommonFlags...),
		Commands: []*cli.Command{
			{
				Name:   "request",
				Usage:  "Open a pairing session, print its payload, and wait for the share",
				Action: runRequest,
			},
			{
				Name:  "approve",
				Usage: "Approve a scanned pairing payload by publishing this device's share",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "payload",
						Required: true,
						Usage:    "the encoded pairing payload to approve",
					},
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "approve without a confirmation prompt",
					},
				},
				Action: runApprove,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newStrategy(cCtx *cli.Context) (*keyderivation.DistributedStrategy, error) {
	logger := flags.SetupLogger(cCtx)

	factory := storage.NewSecureStoreFactory(logger)
	local, err := factory.SecureStoreFor(cCtx.String(flags.SecureStoreFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("opening secure store: %w", err)
	}

	svc := keyderivation.NewShareServiceClient(cCtx.String(flags.ShareServiceFlag.Name))
	return keyderivation.NewDistributedStrategy(svc, local, logger), nil
}

func runRequest(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	strategy, err := newStrategy(cCtx)
	if err != nil {
		return err
	}

	client := relay.NewClient(cCtx.String(flags.RelayURLFlag.Name))
	handoff, err := devicelink.NewFileHandoff(cCtx.String(flags.HandoffPathFlag.Name))
	if err != nil {
		return fmt.Errorf("opening handoff store: %w", err)
	}
	requester := devicelink.NewRequester(client, strategy, nil, handoff, logger)

	// A share staged by an interrupted run is the only surviving copy; apply
	// it instead of opening a fresh session.
	if applied, err := requester.Resume(cCtx.Context); applied {
		if err != nil {
			return err
		}
		fmt.Println("Recovered a previously received share; stored.")
		return nil
	}

	payload, err := requester.Begin(cCtx.Context)
	if err != nil {
		return err
	}

	encoded, err := payload.Encode()
	if err != nil {
		return err
	}

	fmt.Printf("Pairing code: %s\n", payload.ShortCode)
	fmt.Printf("Payload:      %s\n", encoded)
	fmt.Println("Waiting for an approval from a paired device...")

	if err := requester.Await(cCtx.Context); err != nil {
		return err
	}

	fmt.Println("Share received and stored.")
	return nil
}

func runApprove(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	strategy, err := newStrategy(cCtx)
	if err != nil {
		return err
	}

	client := relay.NewClient(cCtx.String(flags.RelayURLFlag.Name))
	approver := devicelink.NewApprover(client, strategy, logger)

	if !cCtx.Bool("yes") {
		approver.Confirm = func(p devicelink.QRPayload) bool {
			fmt.Printf("Hand this device's share to session %s (code %s)? [y/N] ", p.SessionID, p.ShortCode)
			var answer string
			fmt.Scanln(&answer)
			return answer == "y" || answer == "Y"
		}
	}

	if err := approver.ApproveScanned(cCtx.Context, cCtx.String("payload")); err != nil {
		return err
	}

	fmt.Println("Share published.")
	return nil
}
