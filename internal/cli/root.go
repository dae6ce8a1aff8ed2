// Package cli implements the cdl command, a thin shell over the cortex query
// service client.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	cortex "github.com/tilakbaserock/pan-cortex-data-lake-go"
	"github.com/tilakbaserock/pan-cortex-data-lake-go/internal/logging"
)

// app holds the resolved global flags and lazily builds the query service.
type app struct {
	url            string
	port           int
	token          string
	refreshCommand string
	profile        string
	configPath     string
	output         string
	insecure       bool
	debug          bool

	settings map[string]any
	log      *logging.SlogLogger
	service  *cortex.QueryService
	stderr   io.Writer
}

// Execute runs the CLI.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == outputJSON {
			errObj := map[string]any{
				"error": err.Error(),
			}
			var httpErr *cortex.HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode != 0 {
				errObj["http_status"] = httpErr.StatusCode
			}
			_ = PrintJSON(os.Stdout, errObj)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "cdl",
		Short:         "Cortex Data Lake query CLI",
		Long:          "Command-line interface for the Cortex Data Lake query service.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.resolve(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a.service == nil {
				return
			}
			a.log.Debug(cmd.Context(), "session stats",
				"service", a.service.Stats().Snapshot().String(),
				"transport", a.service.HTTPClient().Stats().Snapshot().String(),
			)
			_ = a.service.Close()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.url, "url", cortex.DefaultURL, "Query service URL")
	flags.IntVar(&a.port, "port", 443, "Query service port")
	flags.StringVar(&a.token, "token", "", "Access token (JWT)")
	flags.StringVar(&a.refreshCommand, "refresh-command", "", "Shell command printing a fresh access token")
	flags.StringVarP(&a.profile, "profile", "p", "", "Config profile to use")
	flags.StringVar(&a.configPath, "config", DefaultConfigPath(), "Path of the profile file")
	flags.StringVarP(&a.output, "output", "o", "", "Output format (table, json)")
	flags.BoolVar(&a.insecure, "insecure", false, "Skip TLS certificate verification")
	flags.BoolVar(&a.debug, "debug", false, "Log requests to stderr")

	rootCmd.AddCommand(newQueryCmd(a))
	rootCmd.AddCommand(newJobsCmd(a))
	rootCmd.AddCommand(newConfigCmd(a))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// resolve applies precedence flag > env > profile > default.
func (a *app) resolve(cmd *cobra.Command) error {
	cfg, err := LoadUserConfig(a.configPath)
	if err != nil {
		// The profile file is optional.
		cfg = newUserConfig()
	}
	p := cfg.ActiveProfile(a.profile)
	a.settings = p.Settings

	changed := cmd.Flags().Changed
	if !changed("url") {
		if v := os.Getenv("CDL_URL"); v != "" {
			a.url = v
		} else if _, ok := p.Settings["url"]; ok {
			a.url = ""
		}
	}
	if !changed("token") {
		if v := os.Getenv("CDL_TOKEN"); v != "" {
			a.token = v
		} else {
			a.token = p.Token
		}
	}
	if !changed("refresh-command") && p.RefreshCommand != "" {
		a.refreshCommand = p.RefreshCommand
	}
	if !changed("output") {
		switch {
		case os.Getenv("CDL_OUTPUT") != "":
			a.output = os.Getenv("CDL_OUTPUT")
		case p.Output != "":
			a.output = p.Output
		default:
			a.output = defaultOutputFormat()
		}
	}
	if err := validateOutputFormat(a.output); err != nil {
		return err
	}

	level := slog.LevelWarn
	if a.debug {
		level = slog.LevelDebug
	}
	a.stderr = cmd.ErrOrStderr()
	a.log = logging.New(a.stderr, level)
	return nil
}

// options turns the resolved settings into client options. Profile
// settings come first so explicit flags and env vars override them.
func (a *app) options(cmd *cobra.Command) ([]cortex.Option, error) {
	opts, err := cortex.OptionsFromMap(a.settings)
	if err != nil {
		return nil, fmt.Errorf("profile settings: %w", err)
	}
	if a.url != "" {
		opts = append(opts, cortex.WithURL(a.url))
	}
	if cmd.Flags().Changed("port") {
		opts = append(opts, cortex.WithPort(a.port))
	}
	if a.insecure {
		opts = append(opts, cortex.WithVerify(false))
	}
	if a.token != "" || a.refreshCommand != "" {
		var refresh cortex.RefreshFunc
		if a.refreshCommand != "" {
			refresh = commandRefresher(a.refreshCommand)
		}
		opts = append(opts, cortex.WithCredentials(cortex.NewTokenCredentials(a.token, refresh)))
	}
	opts = append(opts,
		cortex.WithRaiseForStatus(true),
		cortex.WithLogger(a.log.Slog()),
	)
	return opts, nil
}

func (a *app) queryService(cmd *cobra.Command) (*cortex.QueryService, error) {
	if a.service != nil {
		return a.service, nil
	}
	opts, err := a.options(cmd)
	if err != nil {
		return nil, err
	}
	s, err := cortex.NewQueryService(opts...)
	if err != nil {
		return nil, err
	}
	a.service = s
	a.log.Debug(cmd.Context(), "query service ready", "client", s.HTTPClient())
	return s, nil
}
