// Package main implements projup-host, the automation host that serves a
// session over JSON-over-stdio.
//
// Commands are read from stdin and answered on stdout; diagnostics go to
// stderr. The host exits when stdin closes, after session.quit, or when its
// time to live runs out.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/projup/projup/pkg/automation"
	"github.com/projup/projup/pkg/automation/host"
	"github.com/projup/projup/pkg/sessions/memory"
	"github.com/projup/projup/pkg/sessions/solutionfile"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	var (
		progID     string
		ttl        time.Duration
		kind       string
		selfDelete bool
	)

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("component", "host").Logger()
	if level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		logger = logger.Level(level)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	cmd := &cobra.Command{
		Use:           "projup-host",
		Short:         "Serve an automation session over stdin/stdout",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := newSession(kind)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, ttl)
			defer cancel()

			srv := host.NewServer(sess, os.Stdin, os.Stdout, host.Config{
				Version:     Version,
				SessionKind: kind,
				Metadata:    map[string]string{"ttl": ttl.String(), "prog_id": progID},
				Logger:      logger,
			})
			exit := srv.Serve(ctx)
			logger.Debug().Str("reason", exit.Reason).Int("commands", exit.CommandsTotal).Msg("Host exiting")

			if selfDelete {
				if path, err := os.Executable(); err == nil {
					_ = os.Remove(path)
				}
			}
			if exit.ExitCode != 0 {
				return fmt.Errorf("host stopped: %s", exit.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&progID, "prog-id", "VisualStudio.DTE.14.0", "automation server program id")
	cmd.Flags().DurationVar(&ttl, "ttl", 10*time.Minute, "exit after this long")
	cmd.Flags().StringVar(&kind, "session", "solution-file", "session backing the host (solution-file, memory)")
	cmd.Flags().BoolVar(&selfDelete, "self-delete", false, "remove the host binary on exit")

	if err := cmd.Execute(); err != nil {
		logger.Error().Err(err).Msg("Host failed")
		os.Exit(1)
	}
}

func newSession(kind string) (automation.Session, error) {
	switch kind {
	case "solution-file":
		return solutionfile.New(), nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown session kind: %s", kind)
	}
}
