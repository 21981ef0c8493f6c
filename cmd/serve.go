package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jalad-shrimali/cdr-correlator/archive"
	"github.com/jalad-shrimali/cdr-correlator/server"
)

func serveCommand(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			if err := s.Migrate(ctx); err != nil {
				return err
			}
			in, err := a.ingester(ctx)
			if err != nil {
				return err
			}
			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}

			deps := server.Deps{
				Store:    s,
				Ingester: in,
				Engine:   eng,
				Gatherer: a.reg,
				Settings: a.settings.Server,
				Log:      a.log,
			}
			if a.settings.Archive.Enabled {
				arc, err := archive.New(ctx, a.settings.Archive)
				if err != nil {
					return err
				}
				deps.Archive = arc
				a.log.Info("archiving uploads", "endpoint", a.settings.Archive.Endpoint, "bucket", a.settings.Archive.Bucket)
			}

			if addr == "" {
				addr = a.settings.Server.Addr
			}
			return server.Serve(ctx, addr, server.NewRouter(deps), a.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: server.addr)")
	return cmd
}
