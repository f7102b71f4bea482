package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/models"
	"github.com/sirupsen/logrus"
)

// Drains PENDING outbox records to Pub/Sub. Run as a sidecar loop or as a
// one-shot (-once) from cron.

func main() {
	once := flag.Bool("once", false, "Run a single pass and exit")
	retryFailed := flag.Bool("retry-failed", false, "Flip FAILED records back to PENDING first")
	interval := flag.Duration("interval", 10*time.Second, "Pause between passes")
	batch := flag.Int("batch", 100, "Max records per pass")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		panic("database not initialized")
	}
	logger := config.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *retryFailed {
		n, err := models.RetryFailedOutbox(ctx)
		if err != nil {
			panic(err)
		}
		logger.WithFields(logrus.Fields{"requeued": n}).Info("failed records requeued")
	}

	for {
		published, err := models.ProcessPendingOutbox(ctx, logger, *batch)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "outbox"}).Error(err)
		} else if published > 0 {
			logger.WithFields(logrus.Fields{"published": published}).Info("outbox pass complete")
		}

		if *once {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(*interval):
		}
	}
}
