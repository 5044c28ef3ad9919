package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"engram/internal/retrieval"
)

var (
	searchLimit       int
	searchMode        string
	searchValidAt     string
	searchStartTime   string
	searchSession     string
	searchSources     []string
	searchLabels      []string
	searchInvalidated bool
)

// searchCmd runs one hybrid query and prints the ranked episodes.
var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the memory graph",
	Long: `Runs the hybrid retrieval pipeline: the query is classified (or forced
with --mode), the selected sub-plans run concurrently, and their rankings
fuse into one list.

Modes:
  auto          classify the query and pick plans (default)
  lexical       BM25 keyword match over facts
  semantic      embedding similarity over facts
  entity        graph walk from entities named in the query
  relationship  episodes connecting the queried entities
  temporal      facts valid at --valid-at
  exploratory   every plan at once

Example:
  engramd search -u alice "where does sam work" --valid-at 2024-06-01T00:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "Maximum results (default from config)")
	searchCmd.Flags().StringVarP(&searchMode, "mode", "m", "auto", "Search mode")
	searchCmd.Flags().StringVar(&searchValidAt, "valid-at", "", "Return facts valid at this instant (RFC 3339)")
	searchCmd.Flags().StringVar(&searchStartTime, "start-time", "", "Lower bound for event facts (RFC 3339)")
	searchCmd.Flags().StringVar(&searchSession, "session", "", "Restrict to one session")
	searchCmd.Flags().StringSliceVar(&searchSources, "source", nil, "Restrict to episodes from a source (repeatable)")
	searchCmd.Flags().StringSliceVar(&searchLabels, "label", nil, "Restrict to episodes carrying a label (repeatable)")
	searchCmd.Flags().BoolVar(&searchInvalidated, "include-invalidated", false, "Match superseded facts too")
}

func runSearch(cmd *cobra.Command, args []string) error {
	scope, err := requireUser()
	if err != nil {
		return err
	}

	req := retrieval.SearchRequest{
		Query:              args[0],
		UserID:             scope.UserID,
		WorkspaceID:        scope.WorkspaceID,
		Limit:              searchLimit,
		Mode:               retrieval.Mode(searchMode),
		IncludeInvalidated: searchInvalidated,
		LabelIDs:           searchLabels,
		SessionID:          searchSession,
		Sources:            searchSources,
	}
	if req.ValidAt, err = parseFlagTime("valid-at", searchValidAt); err != nil {
		return err
	}
	if req.StartTime, err = parseFlagTime("start-time", searchStartTime); err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	svc, err := openStack()
	if err != nil {
		return err
	}
	defer svc.close()

	resp, err := svc.retrieval.Search(ctx, req)
	if err != nil {
		return err
	}
	if resp.Degraded {
		fmt.Println("warning: partial results (a sub-search failed, see logs)")
	}
	if len(resp.Results) == 0 {
		fmt.Println("No results")
		return nil
	}

	for i, r := range resp.Results {
		title := r.Episode.Title
		if title == "" {
			title = firstLine(r.Episode.Content)
		}
		fmt.Printf("%2d. [%.3f] %s  (session %s, %s)\n",
			i+1, r.Score, title, r.Episode.SessionID, r.Episode.ValidAt.Format("2006-01-02"))
		for _, st := range r.MatchedStatements {
			validity := "valid"
			if st.InvalidAt != nil {
				validity = "invalidated " + st.InvalidAt.Format("2006-01-02")
			}
			fmt.Printf("      - %s  (%s)\n", st.Fact, validity)
		}
	}
	return nil
}

func parseFlagTime(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return &t, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return s
}
