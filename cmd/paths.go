package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/grovetools/agentmon/pkg/paths"
	"github.com/spf13/cobra"
)

// PathsOutput represents the XDG-compliant paths used by agentmon.
type PathsOutput struct {
	ConfigDir string `json:"config_dir"`
	DataDir   string `json:"data_dir"`
	StateDir  string `json:"state_dir"`
	LogsDir   string `json:"logs_dir"`
	Socket    string `json:"socket"`
	PidFile   string `json:"pid_file"`
}

// NewPathsCmd creates the `paths` command.
func NewPathsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print the XDG-compliant paths used by agentmon",
		Long: `Print the XDG-compliant paths used by agentmon.

Paths are printed in JSON format, making them easy to parse from hook
scripts and other tools. Set AGENTMON_HOME to relocate everything under
a single portable root.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := PathsOutput{
				ConfigDir: paths.ConfigDir(),
				DataDir:   paths.DataDir(),
				StateDir:  paths.StateDir(),
				LogsDir:   paths.LogsDir(),
				Socket:    paths.SocketPath(),
				PidFile:   paths.PidFilePath(),
			}

			jsonData, err := json.MarshalIndent(output, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal paths to JSON: %w", err)
			}
			fmt.Println(string(jsonData))
			return nil
		},
	}
}
