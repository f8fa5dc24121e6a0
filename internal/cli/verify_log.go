package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/autowiki/internal/config"
	"github.com/roach88/autowiki/internal/framelog"
)

// VerifyLogOptions holds flags for the verify-log command.
type VerifyLogOptions struct {
	*RootOptions
	Dir string
}

// VerifyLogResult holds the verify-log command result.
type VerifyLogResult struct {
	Dir string `json:"dir"`
	framelog.Report
	Healthy bool `json:"healthy"`
}

// Text implements Texter.
func (r VerifyLogResult) Text() string {
	status := "ok"
	if !r.Healthy {
		status = "DAMAGED"
	}
	return fmt.Sprintf("%s: %s\n  frames:      %d\n  records:     %d\n  undecodable: %d\n  torn bytes:  %d\n",
		r.Dir, status, r.Frames, r.Records, r.Undecodable, r.TornBytes)
}

// NewVerifyLogCommand creates the verify-log command.
func NewVerifyLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyLogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify-log",
		Short: "Check a framed change log for damage",
		Long: `Scan a framed change log without modifying it and report torn tails and
undecodable frames. Opening the log repairs a torn tail.

Exit codes:
  0 - Log is intact
  1 - Log has a torn tail or undecodable frames
  2 - Command error (log cannot be read)

Examples:
  autowiki verify-log
  autowiki verify-log --dir ./data/log`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifyLog(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", "", "log directory (defaults to the configured framelog store)")

	return cmd
}

func runVerifyLog(opts *VerifyLogOptions, cmd *cobra.Command) error {
	dir := opts.Dir
	if dir == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		cfg.Store = config.StoreFramelog
		dir = cfg.StorePath()
	}

	rep, err := framelog.Check(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read log", err)
	}
	result := VerifyLogResult{
		Dir:     dir,
		Report:  rep,
		Healthy: rep.TornBytes == 0 && rep.Undecodable == 0,
	}

	out := opts.formatter(cmd)
	if !result.Healthy {
		_ = out.Error(ErrCodeLogDamaged, "change log is damaged", result)
		return NewExitError(ExitFailure, "change log is damaged")
	}
	return out.Success(result)
}
