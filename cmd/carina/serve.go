package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/carina/internal/app"
)

func newServeCmd(f *rootFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eff, log, err := f.load(listen, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), eff, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn("关闭缓存失败", slog.Any("err", err))
				}
			}()
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default :8080)")
	return cmd
}
