package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tyemirov/timecapsule/internal/config"
	"github.com/tyemirov/timecapsule/pkg/secret"
)

// ConfigLoader resolves the runtime configuration.
type ConfigLoader func() (config.Config, error)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(config.LoadConfig, os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(loader ConfigLoader, logOutput io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "capsule-server",
		Short:         "Time capsule API, delivery worker and maintenance jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCommand(loader, logOutput))
	root.AddCommand(buildDeliverCommand(loader, logOutput))
	root.AddCommand(buildSweepCommand(loader, logOutput))
	root.AddCommand(buildMigrateCommand(loader, logOutput))
	root.AddCommand(buildSeedCommand(loader, logOutput))
	root.AddCommand(buildGenerateSecretCommand())
	return root
}

func buildServeCommand(loader ConfigLoader, logOutput io.Writer) *cobra.Command {
	var (
		withoutWorker  bool
		withoutSweeper bool
	)
	command := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the delivery worker and scheduled sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(loader, logOutput)
			if err != nil {
				return err
			}
			defer app.close()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if app.configuration.SeedUsersPath != "" {
				if _, err := app.seedUsers(ctx, app.configuration.SeedUsersPath); err != nil {
					return err
				}
			}

			server, err := app.httpServer()
			if err != nil {
				return err
			}

			var waitGroup sync.WaitGroup
			if !withoutWorker {
				deliveries, err := app.deliveryService()
				if err != nil {
					return err
				}
				waitGroup.Add(1)
				go func() {
					defer waitGroup.Done()
					deliveries.StartWorker(ctx)
				}()
			}
			if !withoutSweeper {
				housekeeping, err := app.sweeper()
				if err != nil {
					return err
				}
				waitGroup.Add(1)
				go func() {
					defer waitGroup.Done()
					housekeeping.Run(ctx)
				}()
			}

			serveErrors := make(chan error, 1)
			go func() {
				serveErrors <- server.Start()
			}()

			var serveErr error
			select {
			case serveErr = <-serveErrors:
			case <-ctx.Done():
				app.logger.Info("shutdown_requested")
				if err := server.Shutdown(context.Background()); err != nil {
					app.logger.Error("http_shutdown_failed", "error", err)
				}
				serveErr = <-serveErrors
			}
			cancel()
			waitGroup.Wait()
			return serveErr
		},
	}
	command.Flags().BoolVar(&withoutWorker, "no-worker", false, "Do not run the delivery worker in this process")
	command.Flags().BoolVar(&withoutSweeper, "no-sweeper", false, "Do not schedule inactivity sweeps in this process")
	return command
}

func buildDeliverCommand(loader ConfigLoader, logOutput io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "deliver",
		Short: "Run one delivery pass over due capsules and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(loader, logOutput)
			if err != nil {
				return err
			}
			defer app.close()
			deliveries, err := app.deliveryService()
			if err != nil {
				return err
			}
			result, err := deliveries.ProcessDue(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(
				cmd.OutOrStdout(),
				"claimed=%d delivered=%d requeued=%d failed=%d\n",
				result.Claimed, result.Delivered, result.Requeued, result.Failed,
			)
			return err
		},
	}
}

func buildSweepCommand(loader ConfigLoader, logOutput io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release capsules of inactive owners and prune old notifications once",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(loader, logOutput)
			if err != nil {
				return err
			}
			defer app.close()
			housekeeping, err := app.sweeper()
			if err != nil {
				return err
			}
			result, err := housekeeping.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(
				cmd.OutOrStdout(),
				"inactive_owners=%d transferred=%d notifications_pruned=%d\n",
				result.InactiveOwners, result.CapsulesTransferred, result.NotificationsPruned,
			)
			return err
		},
	}
}

func buildMigrateCommand(loader ConfigLoader, logOutput io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(loader, logOutput)
			if err != nil {
				return err
			}
			app.close()
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return err
		},
	}
}

func buildSeedCommand(loader ConfigLoader, logOutput io.Writer) *cobra.Command {
	var filePath string
	command := &cobra.Command{
		Use:   "seed",
		Short: "Create or update staff accounts from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(loader, logOutput)
			if err != nil {
				return err
			}
			defer app.close()
			path := filePath
			if path == "" {
				path = app.configuration.SeedUsersPath
			}
			count, err := app.seedUsers(cmd.Context(), path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("seed file %s does not exist", path)
				}
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d users\n", count)
			return err
		},
	}
	command.Flags().StringVar(&filePath, "file", "", "Seed file path (defaults to SEED_USERS_PATH)")
	return command
}

// buildGenerateSecretCommand prints a random value suitable for JWT_SIGNING_KEY or
// MEDIA_ENCRYPTION_KEY. It needs no configuration.
func buildGenerateSecretCommand() *cobra.Command {
	var bytesLength int
	command := &cobra.Command{
		Use:   "generate-secret",
		Short: "Generate a JWT_SIGNING_KEY or MEDIA_ENCRYPTION_KEY value",
		RunE: func(cmd *cobra.Command, args []string) error {
			length := secret.DefaultByteLength()
			if bytesLength > 0 {
				parsedLength, err := secret.NewByteLength(bytesLength)
				if err != nil {
					return fmt.Errorf("invalid secret length: %w", err)
				}
				length = parsedLength
			}
			generator, err := secret.NewCryptoGenerator()
			if err != nil {
				return err
			}
			secretValue, err := generator.GenerateSecret(cmd.Context(), length)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), secretValue)
			return err
		},
	}
	command.Flags().IntVar(&bytesLength, "bytes", 0, "Number of random bytes for the secret (minimum 32)")
	return command
}
