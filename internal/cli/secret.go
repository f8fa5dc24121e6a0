package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/autowiki/internal/auth"
)

// SecretResult holds the secret command result.
type SecretResult struct {
	Path    string `json:"path"`
	Key     string `json:"key"`
	Created bool   `json:"created"`
}

// Text implements Texter.
func (r SecretResult) Text() string {
	return fmt.Sprintf("Peer key is %s\n", r.Key)
}

// NewSecretCommand creates the secret command.
func NewSecretCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Print the relay server's peer key",
		Long: `Print the shared secret peers must present to this server, generating and
storing it if it does not exist yet. Peers connect with <key>@host:port.

Examples:
  autowiki secret
  autowiki secret --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			secret, created, err := auth.LoadOrCreate(cfg.SecretPath())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load peer secret", err)
			}
			return rootOpts.formatter(cmd).Success(SecretResult{
				Path:    cfg.SecretPath(),
				Key:     secret.Reveal(),
				Created: created,
			})
		},
	}
	return cmd
}
