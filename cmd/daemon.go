package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/grovetools/agentmon/internal/daemon/core"
	"github.com/grovetools/agentmon/internal/daemon/logstore"
	"github.com/grovetools/agentmon/internal/daemon/pidfile"
	"github.com/grovetools/agentmon/internal/daemon/transport"
	"github.com/grovetools/agentmon/logging"
	"github.com/grovetools/agentmon/pkg/paths"
	"github.com/spf13/cobra"
)

// NewStartCmd returns the command that runs the daemon in the foreground.
func NewStartCmd() *cobra.Command {
	var (
		transportKind string
		redisAddr     string
		redisChannel  string
		wrapperCmd    string
		dataDir       string
		noPersist     bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		Long:  "Start the agentmon daemon in foreground mode.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger("agentmond")
			pidPath := paths.PidFilePath()

			if err := paths.EnsureDirs(); err != nil {
				return fmt.Errorf("failed to create directories: %w", err)
			}

			// 1. Acquire Lock
			if err := pidfile.Acquire(pidPath); err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			defer func() {
				if err := pidfile.Release(pidPath); err != nil {
					logger.Errorf("Failed to release pidfile: %v", err)
				}
			}()

			if dataDir == "" {
				dataDir = paths.DataDir()
			}

			// 2. Build the transport. A broken redis broker degrades to
			// local-only mode instead of failing the whole daemon.
			cfg := core.Config{
				TransportKind:  transportKind,
				SocketPath:     paths.SocketPath(),
				RedisAddr:      redisAddr,
				RedisChannel:   redisChannel,
				BaseDir:        dataDir,
				PersistEvents:  !noPersist,
				WrapperCommand: wrapperCmd,
			}

			var tr transport.Transport
			if transportKind == "redis" {
				redisTr, err := transport.NewRedisTransport(redisAddr, redisChannel, logger)
				if err != nil {
					logger.WithError(err).Warn("Redis transport unavailable, falling back to local socket")
					cfg.TransportKind = "socket"
					tr = transport.NewSocketTransport(paths.SocketPath(), logger)
				} else {
					tr = redisTr
				}
			} else {
				tr = transport.NewSocketTransport(paths.SocketPath(), logger)
			}

			// 3. Assemble and start the core
			store := logstore.New(dataDir, logger)
			c := core.New(cfg, tr, store, logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := c.Start(ctx); err != nil {
				return fmt.Errorf("daemon startup failed: %w", err)
			}

			logger.WithField("pid", os.Getpid()).Info("Daemon started")

			// 4. Block until a stop signal arrives
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			logger.Info("Received stop signal")
			c.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&transportKind, "transport", "socket", "Event transport: socket or redis")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis broker address (redis transport)")
	cmd.Flags().StringVar(&redisChannel, "redis-channel", "agentmon:events", "Redis pub/sub channel (redis transport)")
	cmd.Flags().StringVar(&wrapperCmd, "command", "claude", "Program launched for wrapper sessions")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Event log base directory (defaults to the agentmon data dir)")
	cmd.Flags().BoolVar(&noPersist, "no-persist", false, "Disable event persistence")

	return cmd
}

// NewStopCmd returns the command that signals a running daemon to stop.
func NewStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := paths.PidFilePath()

			running, pid, err := pidfile.IsRunning(pidPath)
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}

			if !running {
				fmt.Println("Daemon is not running")
				return nil
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("failed to find process %d: %w", pid, err)
			}

			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to send stop signal: %w", err)
			}

			fmt.Printf("Sent SIGTERM to process %d\n", pid)
			return nil
		},
	}
}

// NewStatusCmd returns the command that reports daemon liveness.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := paths.PidFilePath()
			running, pid, err := pidfile.IsRunning(pidPath)

			if err != nil {
				return fmt.Errorf("error: %w", err)
			}

			if running {
				fmt.Printf("Running (PID: %d)\nSocket: %s\n", pid, paths.SocketPath())
			} else {
				fmt.Println("Stopped")
				os.Exit(1) // Return non-zero for stopped state (useful for scripts)
			}
			return nil
		},
	}
}
