package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"engram/internal/maintenance"
)

// maintainCmd runs every maintenance sweep once for the scope.
var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run the maintenance sweeps (dedup, orphans, reconciliation)",
	Long: `Runs one full maintenance pass:
  1. Merge entities sharing a normalized name into the oldest one
  2. Delete entities no statement references
  3. Reconcile the vector index against the graph (re-embed missing,
     prune stale)`,
	RunE: runMaintain,
}

// compactCmd summarizes one session on demand.
var compactCmd = &cobra.Command{
	Use:   "compact [session-id]",
	Short: "Compact a session into a summary node",
	Long: `Summarizes a session's completed episodes into a CompactedSession node
linked to them through COMPACTS edges. The pipeline schedules this
automatically after a session goes quiet; this command forces it now.`,
	Args: cobra.ExactArgs(1),
	RunE: runCompact,
}

// reembedCmd runs only the vector/graph parity sweep.
var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Reconcile the vector index against the graph",
	RunE:  runReembed,
}

func runMaintain(cmd *cobra.Command, args []string) error {
	scope, err := requireUser()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	svc, err := openStack()
	if err != nil {
		return err
	}
	defer svc.close()

	report, err := svc.sweeper.Run(ctx, scope)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	scope, err := requireUser()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	svc, err := openStack()
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.sweeper.CompactSession(ctx, scope, args[0]); err != nil {
		return err
	}
	cs, err := svc.store.GetCompactedSession(ctx, scope, args[0])
	if err != nil {
		fmt.Println("Session skipped (too few completed episodes)")
		return nil
	}
	fmt.Printf("Session %s compacted: %d episodes, ratio %.2f\n",
		args[0], cs.EpisodeCount, cs.CompressionRatio)
	return nil
}

func runReembed(cmd *cobra.Command, args []string) error {
	scope, err := requireUser()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	svc, err := openStack()
	if err != nil {
		return err
	}
	defer svc.close()

	report := &maintenance.Report{}
	if err := svc.sweeper.Reconcile(ctx, scope, report); err != nil {
		return err
	}
	printReport(report)
	return nil
}

func printReport(r *maintenance.Report) {
	fmt.Printf("Entities merged:  %d\n", r.EntitiesMerged)
	fmt.Printf("Orphans deleted:  %d\n", r.OrphansDeleted)
	fmt.Printf("Vectors repaired: %d\n", r.VectorsRepaired)
	fmt.Printf("Vectors pruned:   %d\n", r.VectorsPruned)
	if r.VectorsFailed > 0 {
		fmt.Printf("Vectors failed:   %d (marked for reembed)\n", r.VectorsFailed)
	}
}
