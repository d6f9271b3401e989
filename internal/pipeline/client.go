package pipeline

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"fieldsync_backend/platform/config"
)

// Client enqueues event-processing tasks onto family queues.
type Client struct {
	client *asynq.Client
}

func NewClient(cfg config.QueueConfig) (*Client, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	return &Client{client: asynq.NewClient(opt)}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueueProcessEvent puts an inbox row on its family queue. MaxRetry is zero
// on purpose: redelivery is decided by the dispatcher against the durable
// row, never by asynq.
func (c *Client) EnqueueProcessEvent(ctx context.Context, eventRowID uuid.UUID, queue string, processAt time.Time) error {
	if c == nil || c.client == nil {
		return nil
	}

	task, err := NewProcessEventTask(ProcessEventPayload{EventRowID: eventRowID.String()})
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(0),
	}
	if !processAt.IsZero() && processAt.After(time.Now()) {
		opts = append(opts, asynq.ProcessAt(processAt))
	}

	_, err = c.client.EnqueueContext(ctx, task, opts...)
	return err
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
