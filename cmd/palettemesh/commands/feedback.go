package commands

import (
	"github.com/spf13/cobra"

	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/internal/bootstrap"
)

var feedbackVersion int

var feedbackCmd = &cobra.Command{
	Use:   "feedback <session-id> <palette-id> <good|bad>",
	Short: "Label a generated palette so the next refinement round takes it into account",
	Long: `Record feedback for a palette of a stored session.

The palette id is the palette's hex digits, lower-cased and joined by "-", for
example "0a1628-0d3b4a-1a6b6b-4a9b8a-8bcbaa". Feedback only survives
between invocations with a persistent session backend (redis or badger).`,
	Args: cobra.ExactArgs(3),
	RunE: runFeedback,
}

func init() {
	feedbackCmd.Flags().IntVar(&feedbackVersion, "session-version", 0, "Session version the palette belongs to (default: current)")
	rootCmd.AddCommand(feedbackCmd)
}

func runFeedback(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	cfg, err := loadConfig(cmd, p)
	if err != nil {
		return err
	}

	label, err := core.ParseLabel(args[2])
	if err != nil {
		return p.Error("invalid label", err.Error(), []string{"Use good or bad"})
	}
	if _, err := core.ParsePaletteID(args[1]); err != nil {
		return p.Error("invalid palette id", err.Error(), nil)
	}

	mesh, err := bootstrap.NewMesh(cmd.Context(), cfg, newLogger(cfg))
	if err != nil {
		return p.Error("failed to start", err.Error(), nil)
	}
	defer mesh.Close()

	if err := mesh.RecordFeedback(cmd.Context(), args[0], feedbackVersion, args[1], label); err != nil {
		return p.Error("failed to record feedback", err.Error(), nil)
	}
	p.Success("recorded %s for %s\n", label, args[1])
	return nil
}
