package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type queueTestConfig struct {
	redisURL string
}

func (c queueTestConfig) GetRedisURL() string       { return c.redisURL }
func (c queueTestConfig) GetRedisTLSInsecure() bool { return false }
func (c queueTestConfig) GetQueueConcurrency() int  { return 1 }

func TestNewClientRequiresRedisURL(t *testing.T) {
	if _, err := NewClient(queueTestConfig{}); err == nil {
		t.Fatal("expected error for empty redis url")
	}
}

func TestRedisClientOptParsesURL(t *testing.T) {
	opt, err := redisClientOpt("redis://:secret@localhost:6380/2", false)
	if err != nil {
		t.Fatalf("redisClientOpt: %v", err)
	}
	if opt.Addr != "localhost:6380" {
		t.Fatalf("addr = %q", opt.Addr)
	}
	if opt.Password != "secret" {
		t.Fatalf("password = %q", opt.Password)
	}
	if opt.DB != 2 {
		t.Fatalf("db = %d", opt.DB)
	}
	if opt.TLSConfig != nil {
		t.Fatal("expected no tls config for redis scheme")
	}
}

func TestRedisClientOptInsecureTLS(t *testing.T) {
	opt, err := redisClientOpt("rediss://localhost:6379", true)
	if err != nil {
		t.Fatalf("redisClientOpt: %v", err)
	}
	if opt.TLSConfig == nil || !opt.TLSConfig.InsecureSkipVerify {
		t.Fatal("expected insecure tls config")
	}
}

func TestEnqueueProcessEventLandsOnFamilyQueue(t *testing.T) {
	srv := miniredis.RunT(t)

	client, err := NewClient(queueTestConfig{redisURL: "redis://" + srv.Addr()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	rowID := uuid.New()
	if err := client.EnqueueProcessEvent(context.Background(), rowID, "quotes", time.Time{}); err != nil {
		t.Fatalf("EnqueueProcessEvent: %v", err)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: srv.Addr()})
	defer inspector.Close()

	tasks, err := inspector.ListPendingTasks("quotes")
	if err != nil {
		t.Fatalf("ListPendingTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("pending tasks = %d, want 1", len(tasks))
	}
	if tasks[0].Type != TaskProcessEvent {
		t.Fatalf("task type = %q", tasks[0].Type)
	}
	payload, err := ParseProcessEventPayload(asynq.NewTask(tasks[0].Type, tasks[0].Payload))
	if err != nil {
		t.Fatalf("ParseProcessEventPayload: %v", err)
	}
	if payload.EventRowID != rowID.String() {
		t.Fatalf("event row id = %q, want %q", payload.EventRowID, rowID)
	}
	if tasks[0].MaxRetry != 0 {
		t.Fatalf("max retry = %d, want 0", tasks[0].MaxRetry)
	}
}

func TestEnqueueProcessEventSchedulesFutureRetry(t *testing.T) {
	srv := miniredis.RunT(t)

	client, err := NewClient(queueTestConfig{redisURL: "redis://" + srv.Addr()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	retryAt := time.Now().Add(time.Minute)
	if err := client.EnqueueProcessEvent(context.Background(), uuid.New(), "jobs", retryAt); err != nil {
		t.Fatalf("EnqueueProcessEvent: %v", err)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: srv.Addr()})
	defer inspector.Close()

	scheduled, err := inspector.ListScheduledTasks("jobs")
	if err != nil {
		t.Fatalf("ListScheduledTasks: %v", err)
	}
	if len(scheduled) != 1 {
		t.Fatalf("scheduled tasks = %d, want 1", len(scheduled))
	}
	pending, err := inspector.ListPendingTasks("jobs")
	if err != nil {
		t.Fatalf("ListPendingTasks: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending tasks = %d, want 0", len(pending))
	}
}
