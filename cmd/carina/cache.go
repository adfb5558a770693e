package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/carina/internal/app"
	"github.com/John-Robertt/carina/internal/infra/cache"
)

func newCacheCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eff, log, err := f.load("", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			store, err := cache.Open(cmd.Context(), eff.Cache, log)
			if err != nil {
				return err
			}
			defer cache.Close(store)

			n, supported, err := app.CleanupCache(cmd.Context(), store)
			if err != nil {
				return fmt.Errorf("清理缓存失败：%w", err)
			}
			if !supported {
				fmt.Fprintf(cmd.OutOrStdout(), "cache backend %q expires entries itself; nothing to do\n", eff.Cache.Backend)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", n)
			return nil
		},
	})
	return cmd
}
