package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	cortex "github.com/tilakbaserock/pan-cortex-data-lake-go"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration profiles",
	}

	cmd.AddCommand(newConfigViewCmd(a))
	cmd.AddCommand(newConfigSetProfileCmd(a))

	return cmd
}

func newConfigViewCmd(a *app) *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Display current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig(a.configPath)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "No configuration found at %s\n", a.configPath)
				return err
			}
			if !reveal {
				cfg = maskConfig(cfg)
			}
			if getOutputFormat(cmd) == outputJSON {
				return PrintJSON(cmd.OutOrStdout(), cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(data))
			return err
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Show tokens unmasked")
	return cmd
}

func newConfigSetProfileCmd(a *app) *cobra.Command {
	var (
		name           string
		token          string
		refreshCommand string
		output         string
		settings       []string
		activate       bool
	)

	cmd := &cobra.Command{
		Use:   "set-profile",
		Short: "Create or update a configuration profile",
		Example: "  cdl config set-profile --name eu --set url=https://api.eu.cdl.paloaltonetworks.com\n" +
			"  cdl config set-profile --name eu --refresh-command 'my-idp token' --use",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if cmd.Flags().Changed("output") {
				if err := validateOutputFormat(output); err != nil {
					return err
				}
			}

			cfg, err := LoadUserConfig(a.configPath)
			if err != nil {
				cfg = newUserConfig()
			}

			p := cfg.Profiles[name]
			if len(settings) > 0 {
				merged, err := mergeSettings(p.Settings, settings)
				if err != nil {
					return err
				}
				p.Settings = merged
			}
			if cmd.Flags().Changed("token") {
				p.Token = token
			}
			if cmd.Flags().Changed("refresh-command") {
				p.RefreshCommand = refreshCommand
			}
			if cmd.Flags().Changed("output") {
				p.Output = output
			}
			cfg.Profiles[name] = p
			if activate || len(cfg.Profiles) == 1 {
				cfg.CurrentProfile = name
			}

			if err := SaveUserConfig(a.configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile %q saved to %s\n", name, a.configPath)
			return nil
		},
	}

	// Local flags named like the global ones shadow them for this command.
	cmd.Flags().StringVar(&name, "name", "", "Profile name")
	cmd.Flags().StringVar(&token, "token", "", "Access token")
	cmd.Flags().StringVar(&refreshCommand, "refresh-command", "", "Shell command printing a fresh access token")
	cmd.Flags().StringVar(&output, "output", "", "Default output format (table, json)")
	cmd.Flags().StringArrayVar(&settings, "set", nil, "Client setting key=value, repeatable")
	cmd.Flags().BoolVar(&activate, "use", false, "Make this the current profile")
	return cmd
}

// mergeSettings parses key=value pairs as YAML scalars onto base and
// validates the result against the client's configuration keys.
func mergeSettings(base map[string]any, pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(base)+len(pairs))
	for k, v := range base {
		out[k] = v
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid setting %q: want key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("invalid setting %q: %w", pair, err)
		}
		if value == nil {
			delete(out, key)
			continue
		}
		out[key] = value
	}
	if _, err := cortex.OptionsFromMap(out); err != nil {
		return nil, err
	}
	return out, nil
}
