package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caredesk/clinic-booking/internal/booking"
	"github.com/caredesk/clinic-booking/internal/config"
	"github.com/caredesk/clinic-booking/internal/db"
	redisclient "github.com/caredesk/clinic-booking/internal/redis"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.Info("expiry-sweeper starting up")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config load error")
	}

	log.WithFields(logrus.Fields{
		"env":      cfg.Env,
		"interval": cfg.SweepInterval.String(),
	}).Info("running expiry sweeper")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PgMaxConns)
	cancelPg()
	if err != nil {
		log.WithError(err).Fatal("postgres connection error")
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	store := booking.NewPgStore(pgPool)
	audit := booking.NewPgAuditRecorder(pgPool)

	// The sweeper cancels through appointment row locks; it does not need
	// the Redis slot lock shed.
	svc := booking.NewService(store, audit, redisclient.NopLocker{}, cfg, log)

	sweeper := booking.NewSweeper(svc, cfg.SweepInterval, log)
	sweeper.Run(rootCtx)
}
