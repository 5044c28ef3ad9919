package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"engram/internal/pipeline"
	"engram/internal/types"
)

var (
	ingestSession string
	ingestType    string
	ingestSource  string
	ingestTitle   string
	ingestLabels  []string
	ingestRefTime string
	ingestNoWait  bool
)

// ingestCmd feeds one episode through the full pipeline and waits for its
// terminal status.
var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a conversation turn or document into the graph",
	Long: `Reads the episode body from the given file (or stdin when the argument
is "-" or omitted), records a PENDING episode and runs the extraction
pipeline: chunk, extract triples, resolve duplicates, invalidate
contradicted facts, write graph + vectors.

Re-submitting the same (session, body, reference time) is a no-op.

Examples:
  engramd ingest -u alice -s standup notes.md --type document
  echo "I moved to Lisbon" | engramd ingest -u alice -s chat-42`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

// retryCmd re-enqueues a FAILED episode.
var retryCmd = &cobra.Command{
	Use:   "retry [episode-uuid]",
	Short: "Reset a FAILED episode to PENDING and reprocess it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestSession, "session", "s", "", "Session ID (required)")
	ingestCmd.Flags().StringVar(&ingestType, "type", "conversation", "Episode type: conversation or document")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "Origin tag stored on the episode")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "Title (documents; conversations get one generated)")
	ingestCmd.Flags().StringSliceVar(&ingestLabels, "label", nil, "Label ID to attach (repeatable)")
	ingestCmd.Flags().StringVar(&ingestRefTime, "ref-time", "", "Reference time the content speaks about (RFC 3339, default now)")
	ingestCmd.Flags().BoolVar(&ingestNoWait, "no-wait", false, "Enqueue and exit without waiting for completion")
	ingestCmd.MarkFlagRequired("session")
}

func runIngest(cmd *cobra.Command, args []string) error {
	scope, err := requireUser()
	if err != nil {
		return err
	}
	body, err := readBody(args)
	if err != nil {
		return err
	}
	var refTime time.Time
	if ingestRefTime != "" {
		refTime, err = time.Parse(time.RFC3339, ingestRefTime)
		if err != nil {
			return fmt.Errorf("invalid --ref-time: %w", err)
		}
	}

	ctx, cancel := commandContext()
	defer cancel()

	svc, err := openStack()
	if err != nil {
		return err
	}
	defer svc.close()

	if n, err := svc.queue.Recover(ctx); err != nil {
		return fmt.Errorf("queue recovery failed: %w", err)
	} else if n > 0 {
		fmt.Printf("Recovered %d interrupted jobs\n", n)
	}
	svc.queue.Start(ctx)
	defer svc.queue.Stop()

	episodeID, err := svc.pipeline.Ingest(ctx, pipeline.IngestRequest{
		EpisodeBody:   string(body),
		ReferenceTime: refTime,
		Type:          types.EpisodeType(strings.ToUpper(ingestType)),
		Source:        ingestSource,
		SessionID:     ingestSession,
		Title:         ingestTitle,
		LabelIDs:      ingestLabels,
		UserID:        scope.UserID,
		WorkspaceID:   scope.WorkspaceID,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Episode %s enqueued\n", episodeID)
	if ingestNoWait {
		return nil
	}
	return waitForEpisode(ctx, svc, episodeID)
}

func runRetry(cmd *cobra.Command, args []string) error {
	if _, err := requireUser(); err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	svc, err := openStack()
	if err != nil {
		return err
	}
	defer svc.close()

	if _, err := svc.queue.Recover(ctx); err != nil {
		return fmt.Errorf("queue recovery failed: %w", err)
	}
	svc.queue.Start(ctx)
	defer svc.queue.Stop()

	if err := svc.pipeline.Retry(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Episode %s re-enqueued\n", args[0])
	return waitForEpisode(ctx, svc, args[0])
}

func readBody(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(args[0])
}

// commandContext derives the per-command context: global timeout plus
// SIGINT/SIGTERM cancellation.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// waitForEpisode polls until the episode reaches a terminal status.
func waitForEpisode(ctx context.Context, svc *services, episodeID string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for episode %s", episodeID)
		case <-ticker.C:
		}
		ep, err := svc.store.GetEpisode(ctx, episodeID)
		if err != nil {
			return err
		}
		switch ep.Status {
		case types.StatusCompleted:
			fmt.Printf("Episode %s completed\n", episodeID)
			return nil
		case types.StatusFailed:
			return fmt.Errorf("episode %s failed: %s", episodeID, ep.Error)
		}
	}
}
