package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"salharness/internal/config"
	"salharness/internal/executor"
	"salharness/internal/logging"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s\n", config.Path(), data)
			return nil
		},
	})

	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Check container runtimes and helper tools",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			status := root.tools.GetToolStatus()

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Tool", "Available", "Version", "Path"})
			for _, name := range executor.ToolNames(status) {
				s := status[name]
				logging.LogToolStatus(root.log, name, s.Available, s.Version, s.Path, s.Error)
				available := "no"
				if s.Available {
					available = "yes"
				}
				t.AppendRow(table.Row{name, available, s.Version, s.Path})
			}
			t.Render()
		},
	}
}

func (r *Root) printVersion(w io.Writer) {
	fmt.Fprintf(w, "salharness %s\n", Version)
	fmt.Fprintf(w, "  Go:       %s\n", runtime.Version())
	fmt.Fprintf(w, "  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				fmt.Fprintf(w, "  Revision: %s\n", s.Value)
			}
		}
	}
}
