package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"engram/internal/config"
	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/maintenance"
	"engram/internal/model"
	"engram/internal/pipeline"
	"engram/internal/queue"
	"engram/internal/retrieval"
	"engram/internal/store"
	"engram/internal/types"
)

var (
	// Global flags
	configPath string
	dataDir    string
	userID     string
	workspace  string
	verbose    bool
	timeout    time.Duration

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "engramd",
	Short: "engram - personal knowledge-graph memory service",
	Long: `engram ingests conversations and documents into a temporal knowledge
graph and answers hybrid (lexical + semantic + graph) queries over it.

Facts are stored as subject-predicate-object statements with bi-temporal
validity, every statement keeps provenance to the episode it came from,
and contradictions close the old fact instead of deleting it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		dir := dataDir
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to resolve home directory: %w", err)
			}
			dir = filepath.Join(home, ".engram")
		}
		path := configPath
		if path == "" {
			path = filepath.Join(dir, "config.yaml")
		}

		var err error
		cfg, err = config.Load(path, dir)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return logging.Initialize(cfg.DataDir, cfg.Logging)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default: ~/.engram, or ENGRAM_DATA_DIR)")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "User ID scoping every read and write (required)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace ID within the user scope")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(reembedCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(deleteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func requireUser() (types.Scope, error) {
	if userID == "" {
		return types.Scope{}, fmt.Errorf("--user is required")
	}
	return types.Scope{UserID: userID, WorkspaceID: workspace}, nil
}

// services bundles everything a command can need. Commands open only the
// pieces they use: status works without model credentials.
type services struct {
	store     *store.Store
	embedder  embedding.Engine
	model     types.ModelClient
	queue     *queue.Manager
	pipeline  *pipeline.Pipeline
	retrieval *retrieval.Engine
	sweeper   *maintenance.Sweeper
}

func openStore() (*store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return store.New(cfg.Graph, cfg.Vector)
}

// openStack wires the full service graph: store, embedder, model, queues,
// pipeline, retrieval and maintenance.
func openStack() (*services, error) {
	s, err := openStore()
	if err != nil {
		return nil, err
	}

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		s.Close()
		return nil, err
	}
	client, err := model.NewClient(cfg.Model)
	if err != nil {
		s.Close()
		return nil, err
	}
	reranker, err := model.NewReranker(cfg.Rerank)
	if err != nil {
		s.Close()
		return nil, err
	}

	qm := queue.NewManager(cfg.Queue, s.KV())
	sweeper := maintenance.New(s, s.Vectors(), s.Labels(), embedder, client, cfg.Maintenance)
	pipe := pipeline.New(&pipeline.Services{
		Graph:     s,
		Vectors:   s.Vectors(),
		Labels:    s.Labels(),
		Embedder:  embedder,
		Model:     client,
		Queue:     qm,
		Config:    cfg,
		Compactor: sweeper,
	})
	engine := retrieval.New(s, s.Vectors(), embedder, client, reranker, cfg.Retrieval, cfg.Rerank)

	return &services{
		store:     s,
		embedder:  embedder,
		model:     client,
		queue:     qm,
		pipeline:  pipe,
		retrieval: engine,
		sweeper:   sweeper,
	}, nil
}

func (s *services) close() {
	s.store.Close()
}
