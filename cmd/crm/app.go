package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tresgarza/may20-crm-final-sub000/internal/config"
)

// app is the crm command tree.
type app struct {
	root   *cobra.Command
	stdout io.Writer
	stderr io.Writer

	configPath string
	envFile    string
}

func newApp() *app {
	a := &app{stdout: os.Stdout, stderr: os.Stderr}

	a.root = &cobra.Command{
		Use:   "crm",
		Short: "Loan application status service",
		Long: `crm serves the dual-approval status workflow for loan applications.

Advisor and company each hold an approval view; the global status is
derived from both and every change is recorded in the status history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadEnv()
		},
	}
	a.root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "config.yaml", "path to configuration file")
	a.root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before configuration (ignored if missing)")

	a.root.AddCommand(
		a.newServeCmd(),
		a.newMigrateCmd(),
		a.newValidateCmd(),
		a.newVersionCmd(),
	)
	return a
}

// withOutput sets custom output writers.
func (a *app) withOutput(stdout, stderr io.Writer) *app {
	a.stdout = stdout
	a.stderr = stderr
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)
	return a
}

func (a *app) execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return a.root.ExecuteContext(ctx)
}

func (a *app) executeWithArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.execute(ctx)
}

// loadEnv reads the dotenv file without overriding variables already set.
func (a *app) loadEnv() error {
	if a.envFile == "" {
		return nil
	}
	if _, err := os.Stat(a.envFile); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(a.envFile); err != nil {
		return fmt.Errorf("loading %s: %w", a.envFile, err)
	}
	return nil
}

func (a *app) loadConfig() (*config.Config, error) {
	path := a.configPath
	if _, err := os.Stat(path); os.IsNotExist(err) && !a.root.PersistentFlags().Changed("config") {
		// Fall back to defaults plus CRM_* overrides.
		path = ""
	}
	return config.Load(path)
}

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "crm version %s\n", version)
			fmt.Fprintf(a.stdout, "  Git commit: %s\n", commit)
		},
	}
}

func (a *app) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "configuration valid: store=%s idempotency=%s port=%d\n",
				cfg.Store.Driver, idempotencyDriver(cfg), cfg.Server.Port)
			return nil
		},
	}
}

func idempotencyDriver(cfg *config.Config) string {
	if !cfg.Idempotency.Enabled {
		return "disabled"
	}
	return cfg.Idempotency.Store.Driver
}
