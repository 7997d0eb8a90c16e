package cli

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/harun/concierge/pkg/coretools"
	"github.com/harun/concierge/pkg/tools"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the available tools and their trust tiers",
	Long: `List the tools the agent can call. T1 tools run immediately, T2 tools
wait for the soft-confirm window and T3 tools need explicit confirmation.`,
	RunE: runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	reg := tools.NewRegistry()
	if err := coretools.RegisterCoreTools(reg, coretools.Options{
		Root: filepath.Join(cfg.DataDir, "workspaces"),
	}); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTIER\tDESCRIPTION")
	for _, name := range reg.Names() {
		def, _ := reg.Get(name)
		fmt.Fprintf(w, "%s\t%s\t%s\n", def.Name, def.Tier, def.Description)
	}
	return w.Flush()
}
