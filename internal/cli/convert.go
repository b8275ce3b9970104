package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/dunamismax/canvasfit/internal/pipeline"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newConvertCmd() *cobra.Command {
	var (
		profileName string
		output      string
	)

	cmd := &cobra.Command{
		Use:   "convert FILE...",
		Short: "Render files with a profile and write the ZIP archive",
		Example: `  canvasfit convert --profile grid a.png b.jpg
  canvasfit convert --profile ab -o pair.zip left.png right.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := domain.LookupProfile(profileName)
			if err != nil {
				return err
			}

			sources := make([]domain.Source, 0, len(args))
			for _, path := range args {
				if !domain.AcceptedExtension(path) {
					return fmt.Errorf("unsupported file type: %s", path)
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				sources = append(sources, domain.Source{Filename: filepath.Base(path), Data: data})
			}

			if err := pipeline.Startup(); err != nil {
				return fmt.Errorf("start image backend: %w", err)
			}
			defer pipeline.Shutdown()

			transformer, err := pipeline.NewTransformer()
			if err != nil {
				return err
			}
			archive, batch, err := pipeline.NewPackager(transformer).Package(cmd.Context(), profile, sources)
			if err != nil {
				return err
			}

			if output == "" {
				output = archive.Name
			}
			if err := os.WriteFile(output, archive.Data, 0o644); err != nil {
				return fmt.Errorf("write archive: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, e := range batch {
				fmt.Fprintf(out, "  %s  %dx%d  %s\n", e.Name, e.Width, e.Height, humanize.Bytes(uint64(e.Bytes)))
			}
			fmt.Fprintf(out, "wrote %s (%d images, %s)\n", output, len(batch), humanize.Bytes(uint64(len(archive.Data))))
			return nil
		},
	}

	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "profile name (see `canvasfit profiles`)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (default: the profile's archive name)")
	_ = cmd.MarkFlagRequired("profile")

	return cmd
}
