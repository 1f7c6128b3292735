package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/tollgate/internal/controlplane"
	"github.com/fentz26/tollgate/internal/models"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent decision records",
	RunE:  runAudit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and counters",
	RunE:  runStatus,
}

var (
	auditTenant string
	auditLimit  int
)

func init() {
	auditCmd.Flags().StringVar(&auditTenant, "tenant", "", "Only records for this tenant")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of records")
	rootCmd.AddCommand(auditCmd, statusCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(auditLimit))
	if auditTenant != "" {
		q.Set("tenant", auditTenant)
	}
	resp, err := apiGet("/audit?" + q.Encode())
	if err != nil {
		return err
	}
	var entries []models.PDREntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No records found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tTENANT\tTASK\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("01-02 15:04:05"), e.Action, e.Outcome, e.TenantID, truncateID(e.TaskID), truncate(e.Details, 50))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if err != nil {
		return err
	}
	fmt.Printf("Daemon:    ok (version %s, db %s)\n", health.Version, health.DB)

	resp, err := apiGet("/metrics")
	if err != nil {
		return err
	}
	var m controlplane.Metrics
	if err := json.Unmarshal(resp, &m); err != nil {
		return err
	}
	fmt.Printf("Tasks:     %d live, %d finished, %d evicted\n", m.Tasks.Live, m.Tasks.Completed, m.Tasks.Evicted)
	if m.Scheduler != nil {
		fmt.Printf("Scheduler: %d/%d running, %d queued, %d dispatched\n",
			m.Scheduler.Active, m.Scheduler.GlobalMax, m.Scheduler.Pending, m.Scheduler.Dispatched)
	}
	if m.Retention != nil {
		fmt.Printf("Retention: %d sweeps, %d evicted, %d cycles rolled over\n",
			m.Retention.Sweeps, m.Retention.Evicted, m.Retention.RolledOver)
	}
	if len(m.Executors) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "EXECUTOR\tRUNS\tSUCCESS\tAVG MS\tCOST")
		for _, e := range m.Executors {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.0f\t$%.4f\n", e.Executor, e.Runs, e.Successes, e.AvgLatencyMS, e.TotalCostUSD)
		}
		w.Flush()
	}
	return nil
}
