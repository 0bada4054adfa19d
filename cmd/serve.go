package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cogos-system/athena/internal/boundary"
	"github.com/cogos-system/athena/internal/classifier"
	"github.com/cogos-system/athena/internal/contextsync"
	"github.com/cogos-system/athena/internal/evolution"
	"github.com/cogos-system/athena/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the governance HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		table, err := cfg.ClassifierTable()
		if err != nil {
			return err
		}

		engine := boundary.NewEngine(st,
			boundary.WithTTL(time.Duration(cfg.Boundary.CacheTTLSecs)*time.Second),
		)
		reconciler := contextsync.NewReconciler(st,
			contextsync.WithConflictWindow(time.Duration(cfg.Sync.ConflictWindowSecs)*time.Second),
		)

		srv := server.New(st, engine, classifier.New(table), evolution.New(st), reconciler, server.Options{
			ExcludedPaths:  cfg.Boundary.ExcludedPaths,
			SyncRatePerMin: cfg.Sync.WebhookRatePerMin,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		httpSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: srv.Router(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			httpSrv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
