// Command lmem is the admin surface of the livingmemory store: status,
// search, record editing, fusion tuning and the manual forgetting trigger.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/config"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/logging"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/plugin"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/provider"
)

const readyTimeout = 60 * time.Second

var (
	dataDir    string
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:           "lmem",
		Short:         "Manage the livingmemory long-term memory store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&dataDir, "data-dir", "./data", "directory holding livingmemory.db and livingmemory.index")
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	pflag.CommandLine.AddFlagSet(flags)

	root.AddCommand(
		statusCmd(), searchCmd(), forgetCmd(), runForgettingCmd(),
		sparseRebuildCmd(), searchModeCmd(), sparseTestCmd(),
		editCmd(), updateCmd(), historyCmd(),
		fusionCmd(), testFusionCmd(), configCmd(), wipeAllCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withPlugin loads config, builds providers from the environment, brings the
// plugin up and runs fn against it.
func withPlugin(fn func(ctx context.Context, p *plugin.Plugin) plugin.Response) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.New(logging.ParseLevel(cfg.LogLevel))

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return errors.New("OPENAI_API_KEY is not set; the memory store needs its embedder")
	}
	opts := provider.OpenAIOptions{
		APIKey:         apiKey,
		BaseURL:        os.Getenv("OPENAI_BASE_URL"),
		EmbeddingModel: os.Getenv("LIVINGMEMORY_EMBEDDING_MODEL"),
		ChatModel:      os.Getenv("LIVINGMEMORY_CHAT_MODEL"),
	}
	if dims := os.Getenv("LIVINGMEMORY_EMBEDDING_DIMENSIONS"); dims != "" {
		n, err := strconv.Atoi(dims)
		if err != nil {
			return fmt.Errorf("LIVINGMEMORY_EMBEDDING_DIMENSIONS: %w", err)
		}
		opts.Dimensions = n
	}
	providers := plugin.StaticProviders{
		Emb:  provider.NewOpenAIEmbedder(opts),
		Chat: provider.NewOpenAIChatter(opts),
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx := context.Background()
	p := plugin.New(cfg, dataDir, providers, log)
	p.Start(ctx)
	defer p.Shutdown()
	if !p.WaitReady(ctx, readyTimeout) {
		return errors.New("memory store did not become ready; check the data directory and credentials")
	}

	return printResponse(fn(ctx, p))
}

func printResponse(resp plugin.Response) error {
	fmt.Println(resp.Message)
	if resp.Data != nil {
		raw, err := json.MarshalIndent(resp.Data, "", "  ")
		if err == nil {
			fmt.Println(string(raw))
		}
	}
	if !resp.Success {
		return errors.New("command failed")
	}
	return nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id %q must be an integer", arg)
	}
	return id, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show memory counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlugin(func(ctx context.Context, p *plugin.Plugin) plugin.Response {
				return p.Status(ctx)
			})
		},
	}
}

func searchCmd() *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memories with the configured recall mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlugin(func(ctx context.Context, p *plugin.Plugin) plugin.Response {
				return p.SearchMemories(ctx, args[0], k)
			})
		},
	}
	cmd.Flags().IntVarP(&k, "top-k", "k", 3, "number of results")
	return cmd
}

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <id>",
		Short: "Delete one memory by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withPlugin(func(ctx context.Context, p *plugin.Plugin) plugin.Response {
				return p.Forget(ctx, id)
			})
		},
	}
}

func runForgettingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run_forgetting_agent",
		Short: "Trigger one decay-and-prune pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlugin(func(ctx context.Context, p *plugin.Plugin) plugin.Response {
				return p.RunForgettingAgent(ctx)
			})
		},
	}
}

func sparseRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sparse_rebuild",
		Short: "Rebuild the full-text mirror from the document table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlugin(func(ctx context.Context, p *plugin.Plugin) plugin.Response {
				return p.SparseRebuild(ctx)
			})
		},
	}
}

func searchModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search_mode <hybrid|dense|sparse>",
		Short: "Switch the retrieval mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlugin(func(ctx context.Context, p *plugin.Plugin) plugin.Response {
				return p.SetSearchMode(args[0])
			})
		},
	}
}

func sparseTestCmd() *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "sparse_test <query>",
		Short: "Run a sparse-only search for diagnosis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlugin(func(ctx context.Context, p *plugin.Plugin) plugin.Response {
				return p.SparseTest(ctx, args[0], k)
			})
		},
	}
	cmd.Flags().IntVarP(&k, "top-k", "k", 5, "number of results")
	return cmd
}

func editCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <id> <field> <value> [reason]",
		Short: "Edit a memory field (content, importance, type, status)",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			reason := ""
			if len(args) == 4 {
				reason = args[3]
			}
			return withPlugin(func(ctx context.Context, p *plugin.Plugin) plugin.Response {
				return p.EditMemory(ctx, id, args[1], args[2], reason)
			})
		},
	}
}

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <id>",
		Short: "Show a memory's full details as an edit aid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withPlugin(func(ctx context.Context, p *plugin.Plugin) plugin.Response {
				return p.MemoryDetails(ctx, id)
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show a memory's update history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withPlugin(func(ctx context.Context, p *plugin.Plugin) plugin.Response {
				return p.MemoryHistory(ctx, id)
			})
		},
	}
}

func fusionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fusion [strategy] [param=value]",
		Short: "Show, switch or tune the result fusion strategy",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, param := "show", ""
			if len(args) > 0 {
				strategy = args[0]
			}
			if len(args) > 1 {
				param = args[1]
			}
			return withPlugin(func(ctx context.Context, p *plugin.Plugin) plugin.Response {
				return p.ManageFusion(strategy, param)
			})
		},
	}
}

func testFusionCmd() *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "test_fusion <query>",
		Short: "Run the active fusion strategy and show score detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlugin(func(ctx context.Context, p *plugin.Plugin) plugin.Response {
				return p.TestFusion(ctx, args[0], k)
			})
		},
	}
	cmd.Flags().IntVarP(&k, "top-k", "k", 5, "number of results")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config [show|validate]",
		Short: "Show or validate the active configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "show"
			if len(args) > 0 {
				action = args[0]
			}
			return withPlugin(func(ctx context.Context, p *plugin.Plugin) plugin.Response {
				return p.ConfigSummary(action)
			})
		},
	}
}

func wipeAllCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "wipe_all",
		Short: "Delete every memory record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to wipe without --yes")
			}
			return withPlugin(func(ctx context.Context, p *plugin.Plugin) plugin.Response {
				return p.WipeAll(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion of all memories")
	return cmd
}
