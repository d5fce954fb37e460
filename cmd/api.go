package cmd

import (
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/formacademy/liveclass/config"
	"github.com/formacademy/liveclass/relay"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the relay HTTP + WebSocket server",
	RunE:  runAPI,
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.Environment == "production" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := newLogger(cfg)

	store, err := relay.OpenStore(cfg.DSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	bus := relay.NewBus(rdb, log)
	hub := relay.NewHub(log)

	tasks := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer tasks.Close()

	srv := relay.NewServer(cfg, store, bus, hub, tasks, log)
	return srv.Run()
}
