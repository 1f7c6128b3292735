package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/tollgate/internal/agents"
	"github.com/fentz26/tollgate/internal/config"
)

var executorsCmd = &cobra.Command{
	Use:   "executors",
	Short: "Check the executors configured for the daemon",
	Long:  `Resolves every configured executor command on this host and reports whether the daemon could run it.`,
	RunE:  runExecutors,
}

var executorsConfig string

func init() {
	executorsCmd.Flags().StringVar(&executorsConfig, "config", filepath.Join(config.Dir(), "config.yaml"), "Path to the daemon config file")
	rootCmd.AddCommand(executorsCmd)
}

func runExecutors(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(executorsConfig)
	if err != nil {
		return err
	}
	if len(cfg.Executors) == 0 {
		fmt.Println("No executors configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tNAME\tSTATUS\tPATH\tVERSION")
	for _, a := range agents.Probe(cmd.Context(), cfg.Executors, cfg.Allowlist) {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Role, a.Name, a.Status, a.Path, a.Version)
	}
	if missing := missingRoles(cfg); len(missing) > 0 {
		fmt.Fprintf(w, "\nroutes with no executor: %v\n", missing)
	}
	return w.Flush()
}

func missingRoles(cfg *config.Config) []string {
	have := map[string]bool{}
	for _, e := range cfg.Executors {
		have[e.Role] = true
	}
	var missing []string
	for _, r := range cfg.Router.Roles() {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	return missing
}
