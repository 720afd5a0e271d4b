package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/palettemesh"
	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/internal/bootstrap"
	"github.com/hupe1980/palettemesh/transport"
)

var (
	generateModels  []string
	generateLimit   int
	generateSession string
	generateNoHex   bool
)

var generateCmd = &cobra.Command{
	Use:   "generate <theme>",
	Short: "Generate palettes for a theme and print them as they stream in",
	Example: `  palettemesh generate "autumn forest"
  palettemesh generate ocean --models gpt,claude --limit 4`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringSliceVarP(&generateModels, "models", "m", nil, "Producer keys to run (default: all)")
	generateCmd.Flags().IntVarP(&generateLimit, "limit", "n", 0, "Palettes to request per producer")
	generateCmd.Flags().StringVar(&generateSession, "session", "", "Refine an existing session")
	generateCmd.Flags().BoolVar(&generateNoHex, "no-hex", false, "Print swatches without hex codes")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	p.ShowHex = !generateNoHex

	cfg, err := loadConfig(cmd, p)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	mesh, err := bootstrap.NewMesh(ctx, cfg, newLogger(cfg))
	if err != nil {
		return p.Error("failed to start", err.Error(), nil)
	}
	defer mesh.Close()

	req := core.Request{
		Query:     strings.Join(args, " "),
		Limit:     generateLimit,
		Models:    generateModels,
		SessionID: generateSession,
	}
	if req.Limit == 0 {
		req.Limit = cfg.Server.DefaultLimit
	}

	summary, err := mesh.Generate(ctx, req, func(bool) (transport.Sink, error) { return p, nil })
	if err != nil {
		if errors.Is(err, context.Canceled) {
			p.Warning("interrupted\n")
			return nil
		}
		return p.Error("generation failed", err.Error(), suggestionsFor(err, mesh.Producers()))
	}
	if len(summary.Errors) > 0 && len(summary.Results) == 0 {
		return p.Error("every producer failed", "no palettes were generated", nil)
	}
	return nil
}

func suggestionsFor(err error, producers []string) []string {
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		return []string{"Omit --session to start a new session"}
	case errors.Is(err, palettemesh.ErrUnknownProducer):
		return []string{"Available producers: " + strings.Join(producers, ", ")}
	default:
		return nil
	}
}
