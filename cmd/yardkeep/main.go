package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yardkeep/yardkeep/internal/archive"
	"github.com/yardkeep/yardkeep/internal/config"
	"github.com/yardkeep/yardkeep/internal/identify"
	"github.com/yardkeep/yardkeep/internal/provider"
	"github.com/yardkeep/yardkeep/internal/store"
)

var composeFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "yardkeep: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "yardkeep",
		Short: "yardkeep development CLI",
		Long: `yardkeep CLI orchestrates common development workflows such as building the Docker stack,
starting or stopping services, running tests, identifying plants from the command line,
and archiving photos to an S3 bucket.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file to use for stack commands")
	cmd.AddCommand(
		newUpCmd(),
		newDownCmd(),
		newLogsCmd(),
		newTestCmd(),
		newRunCmd(),
		newIdentifyCmd(),
		newArchiveCmd(),
	)
	return cmd
}

func newUpCmd() *cobra.Command {
	var detach bool
	var skipBuild bool
	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start the full docker-compose stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			composeArgs := []string{"compose", "-f", composeFile, "up"}
			if !skipBuild {
				composeArgs = append(composeArgs, "--build")
			}
			if detach {
				composeArgs = append(composeArgs, "-d")
			}
			composeArgs = append(composeArgs, args...)
			return runCommand(ctx, "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&detach, "detached", "d", true, "Run docker compose in detached mode")
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "Skip rebuilding images before starting")
	return cmd
}

func newDownCmd() *cobra.Command {
	var removeVolumes bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop docker-compose stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			composeArgs := []string{"compose", "-f", composeFile, "down"}
			if removeVolumes {
				composeArgs = append(composeArgs, "-v")
			}
			return runCommand(ctx, "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&removeVolumes, "volumes", "v", false, "Remove stack volumes")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs [service...]",
		Short: "Tail logs from docker-compose services",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			composeArgs := []string{"compose", "-f", composeFile, "logs"}
			if follow {
				composeArgs = append(composeArgs, "-f")
			}
			composeArgs = append(composeArgs, args...)
			return runCommand(ctx, "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream logs continuously")
	return cmd
}

func newTestCmd() *cobra.Command {
	var race bool
	var cover bool
	cmd := &cobra.Command{
		Use:   "test [packages]",
		Short: "Run Go tests (defaults to ./...)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pkgs := args
			if len(pkgs) == 0 {
				pkgs = []string{"./..."}
			}
			goArgs := []string{"test"}
			if race {
				goArgs = append(goArgs, "-race")
			}
			if cover {
				goArgs = append(goArgs, "-cover")
			}
			goArgs = append(goArgs, pkgs...)
			return runCommand(ctx, "go", goArgs...)
		},
	}
	cmd.Flags().BoolVar(&race, "race", false, "Enable Go race detector")
	cmd.Flags().BoolVar(&cover, "cover", false, "Collect coverage data")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run individual Go binaries directly",
	}
	cmd.AddCommand(
		newServiceRunner("server", "./cmd/server"),
		newServiceRunner("worker", "./cmd/worker"),
	)
	return cmd
}

func newServiceRunner(name, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("go run %s", path),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			goArgs := []string{"run", path}
			goArgs = append(goArgs, args...)
			return runCommand(ctx, "go", goArgs...)
		},
	}
}

// newIdentifyCmd runs one identification attempt inline, without redis or the
// worker. Useful against a local sqlite database.
func newIdentifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identify <plant-id>",
		Short: "Run an identification attempt for one plant, inline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			prov, err := provider.New(ctx, provider.Config{
				Kind:            cfg.Provider,
				GeminiAPIKey:    cfg.GeminiAPIKey,
				GeminiModel:     cfg.GeminiModel,
				PlantNetAPIKey:  cfg.PlantNetAPIKey,
				PlantNetBaseURL: cfg.PlantNetBaseURL,
			})
			if err != nil {
				return fmt.Errorf("init provider: %w", err)
			}
			defer prov.Close()
			flow := identify.New(st, prov, identify.Options{
				MaxDimension: cfg.MaxDimension,
				Quality:      cfg.JPEGQuality,
				Timeout:      cfg.IdentifyTimeout,
				StaleAfter:   cfg.StaleIdentifying,
			})
			if err := flow.Identify(ctx, args[0]); err != nil {
				return err
			}
			record, err := st.Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", record.ID, record.IDStatus)
			for _, c := range record.Candidates {
				fmt.Printf("  %-30s %-30s %.2f\n", c.CommonName, c.ScientificName, c.Confidence)
			}
			return nil
		},
	}
}

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Back up plant photos to an S3-compatible bucket",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Upload every stored photo to the archive bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.ArchiveConfigured() {
				return fmt.Errorf("archive not configured: set YARDKEEP_S3_ENDPOINT, YARDKEEP_S3_ACCESS_KEY and YARDKEEP_S3_SECRET_KEY")
			}
			st, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			arc, err := archive.New(cfg)
			if err != nil {
				return fmt.Errorf("init archive: %w", err)
			}
			if err := arc.EnsureBucket(ctx); err != nil {
				return err
			}
			n, err := arc.Sync(ctx, st)
			if err != nil {
				return fmt.Errorf("sync stopped after %d uploads: %w", n, err)
			}
			fmt.Printf("archived %d photos to %s\n", n, cfg.S3Bucket)
			return nil
		},
	})
	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DBDriver == "postgres" {
		return store.OpenPostgres(ctx, cfg.DatabaseDSN)
	}
	return store.OpenSQLite(ctx, cfg.SQLitePath)
}

func runCommand(ctx context.Context, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}
