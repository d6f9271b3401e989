package pipeline

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"fieldsync_backend/internal/ingest"
	"fieldsync_backend/platform/config"
	"fieldsync_backend/platform/logger"

	"golang.org/x/sync/errgroup"
)

// Worker runs one asynq server per family queue, each with concurrency one,
// so events for a family are processed strictly in arrival order while the
// families themselves run in parallel.
type Worker struct {
	servers map[string]*asynq.Server
	mux     *asynq.ServeMux
	log     *logger.Logger
}

func NewWorker(cfg config.QueueConfig, dispatcher *Dispatcher, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskProcessEvent, dispatcher.HandleProcessEvent)

	servers := make(map[string]*asynq.Server, len(ingest.Queues()))
	for _, queue := range ingest.Queues() {
		servers[queue] = asynq.NewServer(opt, asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				queue: 1,
			},
		})
	}

	return &Worker{
		servers: servers,
		mux:     mux,
		log:     log.WithComponent("pipeline"),
	}, nil
}

// Run blocks until the context is cancelled and every server has shut down.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || len(w.servers) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for queue, server := range w.servers {
		queue, server := queue, server
		g.Go(func() error {
			go func() {
				<-ctx.Done()
				server.Shutdown()
			}()
			if err := server.Run(w.mux); err != nil {
				w.log.Error("queue worker stopped", "queue", queue, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
