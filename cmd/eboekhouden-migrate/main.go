// eboekhouden-migrate runs one migration for a business in the foreground and prints
// the run summary as JSON. Ctrl-C cancels at the next batch boundary.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/eboekhouden-migrate -business <uuid> -from 1 -to 5000 -dry-run
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/config"
	"github.com/verenigingen/eboekhouden/migration"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/store"
	"github.com/verenigingen/eboekhouden/utils"
	"github.com/verenigingen/eboekhouden/workflow"
)

// foregroundQueue keeps the run message so main can execute it itself.
type foregroundQueue struct {
	msg *config.RunMessage
}

func (q *foregroundQueue) Enqueue(ctx context.Context, msg config.RunMessage) error {
	q.msg = &msg
	return nil
}

const connectAttempts = 5

func main() {
	businessID := flag.String("business", "", "Required: business id")
	mode := flag.String("mode", "id", "Range mode: id or date")
	fromID := flag.Int64("from", 0, "First mutation id (id mode); 0 starts at 1")
	toID := flag.Int64("to", 0, "Last mutation id (id mode); 0 runs to the highest id")
	fromDate := flag.String("from-date", "", "First day (date mode, YYYY-MM-DD)")
	toDate := flag.String("to-date", "", "Last day (date mode, YYYY-MM-DD)")
	dryRun := flag.Bool("dry-run", false, "Build documents without writing them")
	resume := flag.Bool("resume", false, "Continue after the last high water mark")
	user := flag.String("user", "cli", "Name recorded as the requester")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "-business is required")
		os.Exit(1)
	}

	if err := config.ConnectDatabaseWithRetry(connectAttempts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	db := config.GetDB()
	logger := config.GetLogger()

	gormStore := store.NewGormStore(db)
	svc := migration.NewService(gormStore, gormStore)
	queue := &foregroundQueue{}
	svc.Queue = queue
	if strings.TrimSpace(os.Getenv("REDIS_ADDRESS")) != "" {
		if err := config.ConnectRedisWithRetry(connectAttempts); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		svc.Locker = &workflow.RedisRunLocker{Client: config.GetRedisLock()}
		svc.Progress = &migration.RedisProgress{Client: config.GetRedisDB()}
	} else if sqlDB, err := db.DB(); err == nil {
		logger.WithFields(logrus.Fields{"field": "lock"}).Info("REDIS_ADDRESS not set; using a MySQL advisory lock")
		svc.Locker = &workflow.MySQLRunLocker{DB: sqlDB}
	}

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessID)
	run, err := svc.StartRun(ctx, *businessID, *user, migration.StartRunRequest{
		Mode:     *mode,
		FromId:   *fromID,
		ToId:     *toID,
		FromDate: *fromDate,
		ToDate:   *toDate,
		DryRun:   *dryRun,
		Resume:   *resume,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start run: %v\n", err)
		os.Exit(1)
	}
	run.TriggeredBy = models.RunTriggeredCLI
	if *resume {
		run.TriggeredBy = models.RunTriggeredResume
	}
	if err := gormStore.UpdateRun(ctx, run); err != nil {
		fmt.Fprintf(os.Stderr, "update run: %v\n", err)
		os.Exit(1)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCtx.Done():
			logger.WithFields(logrus.Fields{"run_id": run.ID}).Warn("interrupt received; cancelling at the next batch")
			_ = svc.Cancel.Cancel(context.Background(), *businessID, run.ID)
		case <-done:
		}
	}()

	final, runErr := svc.Execute(ctx, *queue.msg)
	close(done)
	if final == nil {
		fmt.Fprintf(os.Stderr, "run %d did not start: %v\n", run.ID, runErr)
		os.Exit(1)
	}

	detail, err := svc.RunDetail(ctx, *businessID, final.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load run detail: %v\n", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(detail)

	if final.Status != models.RunStatusCompleted {
		os.Exit(2)
	}
}
