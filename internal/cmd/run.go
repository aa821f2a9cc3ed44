package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rudransh-shrivastava/tincan/internal/db"
	"github.com/rudransh-shrivastava/tincan/internal/logger"
	"github.com/rudransh-shrivastava/tincan/internal/metrics"
	"github.com/rudransh-shrivastava/tincan/internal/store"
	"github.com/rudransh-shrivastava/tincan/internal/tincan"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func runService(ctx context.Context, log *logrus.Logger) error {
	cfg := logger.LogConfig{Level: runFlags.logLevel, Device: logger.DeviceConsole}
	if runFlags.logConfig != "" {
		if err := json.Unmarshal([]byte(runFlags.logConfig), &cfg); err != nil {
			return fmt.Errorf("parsing log config: %w", err)
		}
	}
	closer, err := logger.Configure(log, cfg)
	if err != nil {
		log.Warnf("Logging configuration rejected: %v", err)
	}
	defer closer.Close()

	var journal store.Journal = store.NopJournal{}
	if runFlags.journal != "" {
		gdb, err := db.Open(runFlags.journal)
		if err != nil {
			return err
		}
		journal = store.NewEventStore(gdb)
	}

	m := metrics.New()
	svc := tincan.New(tincan.Options{
		Metrics: m,
		Journal: journal,
		Logger:  log,
	})

	l, err := tincan.Listen(socketPath)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Serve(ctx, l)
	})
	if runFlags.metricsAddr != "" {
		srv := &http.Server{Addr: runFlags.metricsAddr, Handler: m.Handler()}
		g.Go(func() error {
			log.Infof("Serving metrics on %s", runFlags.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}
