package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/tollgate/internal/controlplane"
	"github.com/fentz26/tollgate/internal/ledger"
	"github.com/fentz26/tollgate/internal/models"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and manage tenant quotas",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show [tenant-id]",
	Short: "Show a tenant's usage for the current cycle",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuotaShow,
}

var quotaCheckCmd = &cobra.Command{
	Use:   "check [tenant-id]",
	Short: "Check whether a request would be admitted",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuotaCheck,
}

var quotaResetCmd = &cobra.Command{
	Use:   "reset [tenant-id]",
	Short: "Start a new billing cycle for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuotaReset,
}

var quotaDeleteCmd = &cobra.Command{
	Use:   "delete [tenant-id]",
	Short: "Delete a tenant's ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuotaDelete,
}

var checkRequests map[string]string

func init() {
	quotaCmd.AddCommand(quotaShowCmd, quotaCheckCmd, quotaResetCmd, quotaDeleteCmd)
	quotaCheckCmd.Flags().StringToStringVar(&checkRequests, "request", nil, "Requested amount, e.g. --request search_calls=10")
}

func runQuotaShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tenants/" + args[0] + "/quota")
	if err != nil {
		return err
	}
	var q controlplane.QuotaResponse
	if err := json.Unmarshal(resp, &q); err != nil {
		return err
	}

	fmt.Printf("Tenant:  %s\n", q.Ledger.TenantID)
	fmt.Printf("Plan:    %s\n", q.Ledger.PlanID)
	fmt.Printf("Cycle:   %s - %s\n\n", q.Ledger.CycleStart.Format("2006-01-02"), q.Ledger.CycleEnd.Format("2006-01-02"))
	printSummary(q.Summary)
	return nil
}

func runQuotaCheck(cmd *cobra.Command, args []string) error {
	requests, err := parseRequests(checkRequests)
	if err != nil {
		return err
	}
	resp, err := apiPost("/tenants/"+args[0]+"/quota/check", map[string]interface{}{"requests": requests})
	if err != nil {
		return err
	}
	var res ledger.CheckResult
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}

	if res.Admit {
		fmt.Println("Admit: yes")
	} else {
		fmt.Printf("Admit: no (blocking: %v)\n", res.BlockingKeys)
	}
	fmt.Println()
	printSummary(res.Summary)
	return nil
}

func runQuotaReset(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/tenants/"+args[0]+"/quota/reset", nil)
	if err != nil {
		return err
	}
	var led models.QuotaLedger
	if err := json.Unmarshal(resp, &led); err != nil {
		return err
	}
	fmt.Printf("Reset %s: new cycle ends %s\n", led.TenantID, led.CycleEnd.Format("2006-01-02"))
	return nil
}

func runQuotaDelete(cmd *cobra.Command, args []string) error {
	if _, err := apiDelete("/tenants/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted tenant %s\n", args[0])
	return nil
}

func printSummary(summary map[models.ResourceKey]models.UsageSummary) {
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tUSED\tLIMIT\tPCT")
	for _, k := range keys {
		s := summary[models.ResourceKey(k)]
		fmt.Fprintf(w, "%s\t%g\t%g\t%d%%\n", k, s.Used, s.Limit, s.Pct)
	}
	w.Flush()
}
