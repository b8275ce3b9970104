package cli

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canvasfit",
		Short: "Fit images onto fixed-size white canvases and bundle them as ZIP archives",
		Long: `canvasfit resizes images to fit a profile's target box, letterboxes them
on a white canvas, rotates landscape inputs where the profile asks for it and
writes the JPEG results into a ZIP archive.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	cmd.AddCommand(newConvertCmd())
	cmd.AddCommand(newProfilesCmd())
	cmd.AddCommand(newWatchCmd())

	return cmd
}

func newLogger(cmd *cobra.Command) *log.Logger {
	return log.New(cmd.ErrOrStderr(), "[canvasfit] ", log.LstdFlags|log.Lmsgprefix)
}
