package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/palettemesh/internal/config"
	"github.com/hupe1980/palettemesh/internal/printer"
	"github.com/hupe1980/palettemesh/logging"
)

const defaultConfigPath = "palettemesh.yml"

var (
	version string
	commit  string
	date    string

	configPath string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "palettemesh",
	Short: "palettemesh - stream color palettes from several language models at once",
	Long: `palettemesh asks one or more language models for color palettes matching a
theme, extracts palettes from their text while it is still streaming and
multiplexes the results onto one event stream.

Sessions remember what was generated and which palettes you liked, so asking
for the same theme again refines the previous round.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
}

func newPrinter(cmd *cobra.Command) *printer.Printer {
	return printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// loadConfig reads the configuration file. A missing file at the default path
// falls back to the built-in demo configuration.
func loadConfig(cmd *cobra.Command, p *printer.Printer) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
			p.Warning("%s not found, using the built-in demo producer\n", configPath)
			cfg = config.Default()
		} else {
			return nil, p.Error("failed to load configuration", err.Error(), []string{
				fmt.Sprintf("Check that %s exists and is valid YAML", configPath),
			})
		}
	}

	if logLevel != "" {
		if _, err := logging.ParseLevel(logLevel); err != nil {
			return nil, p.Error("invalid log level", err.Error(), nil)
		}
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) logging.Logger {
	lc := cfg.LoggerConfig()
	lc.Output = os.Stderr
	return logging.NewLogger(lc)
}
