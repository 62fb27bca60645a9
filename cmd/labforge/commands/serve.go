package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve metrics and hot-reload policies",
		Long: `Run until interrupted, exposing the Prometheus endpoint configured under
telemetry.metrics and reloading admission policies when files under
policy.paths change (policy.watch).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				if a.cfg.Policy.Watch {
					if err := a.policy.Watch(ctx, a.cfg.Policy.Paths); err != nil {
						return err
					}
				}

				m := a.cfg.Telemetry.Metrics
				if m.Enabled {
					log.Info().Str("address", m.ListenAddress).Str("path", m.Path).Msg("Serving metrics")
				} else {
					log.Info().Msg("Metrics disabled, waiting for interrupt")
				}
				return a.tel.Metrics.Serve(ctx)
			})
		},
	}
}
