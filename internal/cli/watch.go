package cli

import (
	"fmt"
	"time"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/dunamismax/canvasfit/internal/pipeline"
	"github.com/dunamismax/canvasfit/internal/watch"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var (
		profileName string
		outDir      string
		debounce    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch DIR",
		Short: "Render every image dropped into DIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := domain.LookupProfile(profileName)
			if err != nil {
				return err
			}

			if err := pipeline.Startup(); err != nil {
				return fmt.Errorf("start image backend: %w", err)
			}
			defer pipeline.Shutdown()

			transformer, err := pipeline.NewTransformer()
			if err != nil {
				return err
			}
			w, err := watch.New(newLogger(cmd), transformer, profile, outDir)
			if err != nil {
				return err
			}
			w.SetDebounce(debounce)
			return w.Run(cmd.Context(), args[0])
		},
	}

	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "profile name; two-slot profiles are not supported")
	cmd.Flags().StringVar(&outDir, "out", "canvasfit-out", "directory for rendered JPEGs")
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "quiet period before a changed file is rendered")
	_ = cmd.MarkFlagRequired("profile")

	return cmd
}
