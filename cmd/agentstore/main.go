package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/liliang-cn/agentstore/pkg/agentstore"
	"github.com/liliang-cn/agentstore/pkg/core"
	"github.com/liliang-cn/agentstore/pkg/similarity"
)

var (
	configPath string
	dbPath     string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "agentstore",
	Short:        "Maintenance tool for the agent persistence store",
	Long:         `A command-line interface for inspecting and maintaining an agent store database.`,
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and apply schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, cfg, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		fmt.Printf("Agent store initialized (%s %s)\n", cfg.Driver, location(cfg))
		return nil
	},
}

var statsTables = []string{"rooms", "accounts", "participants", "memories", "goals", "relationships", "knowledge", "cache", "logs"}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display row counts and connection pool statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		counts := make(map[string]int64, len(statsTables))
		for _, table := range statsTables {
			rs, err := db.Query(ctx, "SELECT COUNT(*) FROM "+table)
			if err != nil {
				return fmt.Errorf("failed to count %s: %w", table, err)
			}
			counts[table] = toInt64(rs.Rows[0][0])
		}

		pool := db.Manager().Stats()

		outputJSON, _ := cmd.Flags().GetBool("json")
		if outputJSON {
			return printJSON(map[string]any{
				"tables": counts,
				"pool": map[string]int{
					"open":   pool.OpenConnections,
					"in_use": pool.InUse,
					"idle":   pool.Idle,
				},
			})
		}

		fmt.Println("Tables:")
		for _, table := range statsTables {
			fmt.Printf("  %-14s %d\n", table, counts[table])
		}
		fmt.Printf("Connections: %d open, %d in use, %d idle\n", pool.OpenConnections, pool.InUse, pool.Idle)
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <sql> [args...]",
	Short: "Run a parameterized read query and print the rows",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		params := make([]any, len(args)-1)
		for i, a := range args[1:] {
			params[i] = a
		}

		rs, err := db.Query(cmd.Context(), args[0], params...)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		outputJSON, _ := cmd.Flags().GetBool("json")
		if outputJSON {
			return printJSON(rs)
		}

		fmt.Println(strings.Join(rs.Columns, "\t"))
		for _, row := range rs.Rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = formatCell(v)
			}
			fmt.Println(strings.Join(cells, "\t"))
		}
		fmt.Printf("(%d rows)\n", len(rs.Rows))
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and edit per-agent cache entries",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <agent-id> <key>",
	Short: "Print a cache value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, err := core.ParseUUID(args[0])
		if err != nil {
			return err
		}

		db, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		value, found, err := db.Cache().Get(cmd.Context(), agentID, args[1])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key %q not found for agent %s", args[1], agentID)
		}
		fmt.Println(value)
		return nil
	},
}

var cacheSetCmd = &cobra.Command{
	Use:   "set <agent-id> <key> <value>",
	Short: "Store a cache value, replacing any previous one",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, err := core.ParseUUID(args[0])
		if err != nil {
			return err
		}

		db, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Cache().Set(cmd.Context(), agentID, args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("Key '%s' set\n", args[1])
		return nil
	},
}

var cacheDeleteCmd = &cobra.Command{
	Use:   "delete <agent-id> <key>",
	Short: "Delete a cache value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, err := core.ParseUUID(args[0])
		if err != nil {
			return err
		}

		db, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		deleted, err := db.Cache().Delete(cmd.Context(), agentID, args[1])
		if err != nil {
			return err
		}
		if !deleted {
			fmt.Printf("Key '%s' did not exist\n", args[1])
			return nil
		}
		fmt.Printf("Key '%s' deleted\n", args[1])
		return nil
	},
}

var similarityCmd = &cobra.Command{
	Use:   "similarity",
	Short: "Score two texts or two vectors",
	RunE: func(cmd *cobra.Command, args []string) error {
		text1, _ := cmd.Flags().GetString("text1")
		text2, _ := cmd.Flags().GetString("text2")
		vec1, _ := cmd.Flags().GetString("vector1")
		vec2, _ := cmd.Flags().GetString("vector2")

		switch {
		case vec1 != "" || vec2 != "":
			a, err := parseVector(vec1)
			if err != nil {
				return err
			}
			b, err := parseVector(vec2)
			if err != nil {
				return err
			}
			if len(a) != len(b) {
				return fmt.Errorf("vector dimensions don't match: %d vs %d", len(a), len(b))
			}
			fmt.Printf("Cosine similarity: %.6f\n", similarity.Cosine(a, b))
		default:
			fmt.Printf("Text similarity: %.6f\n", similarity.TextSimilarity(text1, text2))
		}
		return nil
	},
}

func parseVector(str string) ([]float32, error) {
	if strings.TrimSpace(str) == "" {
		return nil, fmt.Errorf("vector is required")
	}
	var vector []float32
	for _, part := range strings.Split(str, ",") {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector format: %w", err)
		}
		vector = append(vector, float32(val))
	}
	return vector, nil
}

// loadConfig merges the config file (when given) with the command line
func loadConfig(flags interface{ Changed(string) bool }) (core.Config, error) {
	cfg := core.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = core.LoadConfig(configPath); err != nil {
			return core.Config{}, err
		}
	}
	if flags.Changed("db") || configPath == "" {
		cfg.Path = dbPath
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}

func openStore(ctx context.Context) (*agentstore.DB, core.Config, error) {
	cfg, err := loadConfig(rootCmd.PersistentFlags())
	if err != nil {
		return nil, core.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	db, err := agentstore.Open(ctx, cfg)
	if err != nil {
		return nil, core.Config{}, fmt.Errorf("failed to open store: %w", err)
	}
	return db, cfg, nil
}

func location(cfg core.Config) string {
	if cfg.Driver == core.DriverPostgres {
		return "(dsn from config)"
	}
	return cfg.Path
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case []byte:
		i, _ := strconv.ParseInt(string(n), 10, 64)
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(x))
	default:
		return fmt.Sprint(x)
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "agentstore.db", "SQLite database file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	statsCmd.Flags().Bool("json", false, "Output as JSON")
	queryCmd.Flags().Bool("json", false, "Output as JSON")

	cacheCmd.AddCommand(cacheGetCmd, cacheSetCmd, cacheDeleteCmd)

	similarityCmd.Flags().String("text1", "", "First text")
	similarityCmd.Flags().String("text2", "", "Second text")
	similarityCmd.Flags().String("vector1", "", "First vector (comma-separated)")
	similarityCmd.Flags().String("vector2", "", "Second vector (comma-separated)")

	rootCmd.AddCommand(
		initCmd,
		statsCmd,
		queryCmd,
		cacheCmd,
		similarityCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.SetFlags(0)
		log.Print(err)
		os.Exit(1)
	}
}
