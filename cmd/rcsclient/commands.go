package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arzzra/rcs_core/pkg/config"
	"github.com/arzzra/rcs_core/pkg/core"
	"github.com/arzzra/rcs_core/pkg/logging"
	"github.com/arzzra/rcs_core/pkg/registration"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/subscription"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "rcsclient",
		Short:         "IMS client: registration, conference events and peer sessions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "rcs.yaml", "config file path")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Register and serve incoming sessions until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), configFile, cmd.OutOrStdout(), nil)
			},
		},
		&cobra.Command{
			Use:   "subscribe <conference-uri> [participant...]",
			Short: "Register, subscribe to a conference and print roster changes",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), configFile, cmd.OutOrStdout(), args)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the config file",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return validate(configFile, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func validate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "VALID: %s via %s (%s)\n", cfg.User.PublicURI, cfg.Network.Registrar, cfg.Network.Transport)
	return nil
}

// run поднимает клиента; conference непуст для команды subscribe:
// URI конференции и приглашенные участники
func run(ctx context.Context, path string, out io.Writer, conference []string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	closer, err := logging.Init(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := core.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	client.Sessions().AddListener(session.ListenerFuncs{
		OnStateChanged: func(ev session.StateChange) {
			fmt.Fprintf(out, "session %s %s %s: %s %s\n", ev.SessionID, ev.Kind, ev.RemoteIdentity, ev.State, ev.Reason)
		},
		OnInvitation: func(id string, kind session.Kind) {
			fmt.Fprintf(out, "invitation %s (%s)\n", id, kind)
		},
	})

	if len(conference) > 0 {
		subscribed := make(chan struct{}, 1)
		remove := client.Registration().AddListener(registration.ListenerFuncs{
			OnSucceeded: func(registration.Status) {
				select {
				case subscribed <- struct{}{}:
				default:
				}
			},
		})
		defer remove()

		go func() {
			select {
			case <-subscribed:
			case <-ctx.Done():
				return
			}
			m, err := client.Subscribe(ctx, conference[0], conference[1:])
			if err != nil {
				slog.Error("Подписка не удалась", slog.String("conference", conference[0]), slog.Any("error", err))
				return
			}
			m.AddListener(subscription.ListenerFuncs{
				OnStatusChanged: func(p subscription.Participant) {
					fmt.Fprintf(out, "participant %s: %s\n", p.Identity, p.Status)
				},
				OnTerminated: func(byServer bool) {
					fmt.Fprintf(out, "subscription terminated (by server: %t)\n", byServer)
				},
			})
		}()
	}

	return client.Run(ctx)
}
