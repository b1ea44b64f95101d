package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gatherly/backend/internal/app/chat"
	"github.com/gatherly/backend/internal/app/identity"
	"github.com/gatherly/backend/internal/platform/config"
	"github.com/gatherly/backend/internal/platform/dbpool"
)

const jobTimeout = 2 * time.Minute

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal(err)
	}

	pool, err := dbpool.New(runCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	identityRepo := identity.NewPostgresRepository(pool)
	chatRepo := chat.NewPostgresRepository(pool)

	sweep := func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		if purged, err := identityRepo.PurgeExpiredRefreshTokens(ctx, time.Now()); err != nil {
			log.Printf("refresh token purge failed: %v", err)
		} else if purged > 0 {
			log.Printf("purged %d expired refresh tokens", purged)
		}

		if purged, err := chatRepo.PurgeOrphanedMessages(ctx); err != nil {
			log.Printf("orphaned chat purge failed: %v", err)
		} else if purged > 0 {
			log.Printf("purged %d chat messages for deleted events", purged)
		}
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.HousekeepingCron, sweep); err != nil {
		log.Fatalf("invalid housekeeping schedule %q: %v", cfg.HousekeepingCron, err)
	}

	log.Printf("Housekeeper running on schedule %q", cfg.HousekeepingCron)
	sweep()
	scheduler.Start()

	<-runCtx.Done()

	// Let an in-flight sweep finish before exiting.
	<-scheduler.Stop().Done()
}
