// Package commands implements the verso CLI: operational tooling for
// inspecting the auxiliary index of versioned databases.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/verso/internal/logger"
	"github.com/marmos91/verso/pkg/config"
)

// BuildInfo carries the build-time version variables.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// NewRootCommand builds the verso command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "verso",
		Short:         "Versioned VFS tooling",
		Long:          "verso inspects and maintains the auxiliary index of versioned database files.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if err := logger.Init(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		}); err != nil {
			return nil, fmt.Errorf("failed to initialize logging: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(
		newInitCommand(),
		newInspectCommand(loadConfig),
		newPendingCommand(loadConfig),
		newSmokeCommand(loadConfig),
		newVersionCommand(info),
	)
	return root
}

func newVersionCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("verso %s (commit %s, built %s)\n", info.Version, info.Commit, info.Date)
		},
	}
}

func newInitCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a sample configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "verso.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteSample(path, force); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
