package cli

import (
	"github.com/spf13/cobra"
)

// configYAML renders the effective configuration as YAML in text mode.
type configYAML string

// Text implements Texter.
func (v configYAML) Text() string { return string(v) }

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file and environment
overrides are applied. The text output is a valid config file.

Examples:
  autowiki config > autowiki.yaml
  autowiki config --config autowiki.yaml --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to render config", err)
			}
			out := rootOpts.formatter(cmd)
			if out.Format == "json" {
				return out.Success(cfg)
			}
			return out.Success(configYAML(data))
		},
	}
	return cmd
}
