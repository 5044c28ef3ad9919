package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"engram/internal/types"
)

// statusCmd prints graph and queue counts.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show graph statistics",
	RunE:  runStatus,
}

// deleteCmd removes one episode and everything only it supported.
var deleteCmd = &cobra.Command{
	Use:   "delete [episode-uuid]",
	Short: "Delete an episode and cascade",
	Long: `Deletes an episode. Statements whose only provenance was this episode
are deleted with it; entities left without any statement are reclaimed by
the next maintenance sweep.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-24s %d\n", k, stats[k])
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	cascade, err := s.DeleteEpisode(ctx, args[0])
	if err != nil {
		return err
	}
	// Statement vectors of the cascade are pruned by the reconcile sweep.
	if err := s.Vectors().Delete(ctx, types.NamespaceEpisode, []string{args[0]}); err != nil {
		fmt.Printf("warning: episode vector not deleted: %v\n", err)
	}
	fmt.Printf("Deleted %d episode, %d statements; %d entities left orphaned\n",
		cascade.Episodes, cascade.Statements, cascade.Entities)
	return nil
}
