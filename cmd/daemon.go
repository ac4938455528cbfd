package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rfp-pipeline/internal/orchestrator"
)

// dlqRedeliverEvery is how often parked sink writes are retried.
const dlqRedeliverEvery = 15 * time.Minute

var daemonPort int

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scheduler, lifecycle sweeper, and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		scheduler := orchestrator.NewScheduler(env.Store, env.Orch,
			time.Duration(cfg.Scheduler.TickSecs)*time.Second)
		go func() {
			if err := scheduler.Run(ctx); err != nil && !eris.Is(err, context.Canceled) {
				zap.L().Error("scheduler stopped", zap.Error(err))
			}
		}()

		go env.Lifecycle.Loop(ctx, time.Duration(cfg.Lifecycle.TickMins)*time.Minute)

		go redeliverLoop(ctx, env)

		port := daemonPort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("daemon started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// redeliverLoop periodically retries sink writes parked in the
// dead-letter queue.
func redeliverLoop(ctx context.Context, env *pipelineEnv) {
	ticker := time.NewTicker(dlqRedeliverEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			delivered, err := env.Orch.RedeliverDLQ(ctx, 100)
			if err != nil {
				zap.L().Warn("DLQ redelivery cycle failed", zap.Error(err))
				continue
			}
			if delivered > 0 {
				zap.L().Info("DLQ redelivery cycle complete", zap.Int("delivered", delivered))
			}
		}
	}
}

func init() {
	daemonCmd.Flags().IntVar(&daemonPort, "port", 0, "HTTP port (default from config)")
	rootCmd.AddCommand(daemonCmd)
}
