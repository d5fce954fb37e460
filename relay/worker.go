package relay

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/formacademy/liveclass/config"
)

// RunWorker starts the background task server and blocks until shutdown.
func RunWorker(cfg *config.Config, store *Store, log *logrus.Logger) error {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				QueueDefault:     6,
				QueueMaintenance: 4,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.WithError(err).WithField("type", task.Type()).Error("task failed")
			}),
		},
	)

	handler := NewTaskHandler(store, log)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeCompactBoard, handler.HandleCompactBoard)

	log.WithField("concurrency", cfg.WorkerConcurrency).Info("worker starting")
	return srv.Run(mux)
}
