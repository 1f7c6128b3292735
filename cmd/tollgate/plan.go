package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/tollgate/internal/models"
	"github.com/fentz26/tollgate/internal/plans"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "List plans and assign them to tenants",
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the plan catalog",
	RunE:  runPlanList,
}

var planSetCmd = &cobra.Command{
	Use:   "set [tenant-id] [plan-id]",
	Short: "Move a tenant to another plan",
	Args:  cobra.ExactArgs(2),
	RunE:  runPlanSet,
}

func init() {
	planCmd.AddCommand(planListCmd, planSetCmd)
}

func runPlanList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/plans")
	if err != nil {
		return err
	}
	var catalog []plans.Plan
	if err := json.Unmarshal(resp, &catalog); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTIER\tLIMITS")
	for _, p := range catalog {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.ID, p.Name, p.Tier, formatLimits(p.Limits))
	}
	return w.Flush()
}

func formatLimits(limits map[models.ResourceKey]float64) string {
	parts := make([]string, 0, len(limits))
	for k, v := range limits {
		parts = append(parts, fmt.Sprintf("%s=%g", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func runPlanSet(cmd *cobra.Command, args []string) error {
	resp, err := apiPut("/tenants/"+args[0]+"/plan", map[string]string{"plan_id": args[1]})
	if err != nil {
		return err
	}
	var led models.QuotaLedger
	if err := json.Unmarshal(resp, &led); err != nil {
		return err
	}
	fmt.Printf("Tenant %s is now on plan %s\n", led.TenantID, led.PlanID)
	return nil
}
