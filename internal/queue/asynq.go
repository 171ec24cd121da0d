package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeacourse/api/internal/logger"
	"github.com/makeacourse/api/internal/model"
)

const taskRetention = 24 * time.Hour

// AsynqQueue enqueues render jobs on Redis through asynq. The render task id
// doubles as the asynq task id, so the broker drops a repeated enqueue.
type AsynqQueue struct {
	client *asynq.Client
}

func NewAsynqQueue(client *asynq.Client) *AsynqQueue {
	return &AsynqQueue{client: client}
}

func (q *AsynqQueue) EnqueueScene(ctx context.Context, job model.SceneRenderJob) error {
	return q.enqueue(ctx, model.JobTypeRenderScene, QueueScenes, job.TaskID, job)
}

func (q *AsynqQueue) EnqueueModule(ctx context.Context, job model.ModuleRenderJob) error {
	return q.enqueue(ctx, model.JobTypeRenderModule, QueueModules, job.TaskID, job)
}

func (q *AsynqQueue) enqueue(ctx context.Context, taskType, queueName, taskID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}

	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(taskType, data),
		asynq.Queue(queueName),
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
		asynq.Retention(taskRetention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	return nil
}

// ServerConfig sizes the asynq consumer.
type ServerConfig struct {
	Concurrency int
	LogLevel    string
}

// AsynqServer consumes render jobs and hands them to Handlers.
type AsynqServer struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

func NewAsynqServer(redisOpt asynq.RedisClientOpt, cfg ServerConfig, h Handlers, log *logger.Logger) *AsynqServer {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueScenes:  6,
			QueueModules: 4,
		},
		LogLevel: LogLevel(cfg.LogLevel),
		Logger:   log.SugaredLogger,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(model.JobTypeRenderScene, func(ctx context.Context, t *asynq.Task) error {
		var job model.SceneRenderJob
		if err := json.Unmarshal(t.Payload(), &job); err != nil {
			return fmt.Errorf("failed to unmarshal scene job: %v: %w", err, asynq.SkipRetry)
		}
		return h.Scene(ctx, job)
	})
	mux.HandleFunc(model.JobTypeRenderModule, func(ctx context.Context, t *asynq.Task) error {
		var job model.ModuleRenderJob
		if err := json.Unmarshal(t.Payload(), &job); err != nil {
			return fmt.Errorf("failed to unmarshal module job: %v: %w", err, asynq.SkipRetry)
		}
		return h.Module(ctx, job)
	})

	return &AsynqServer{srv: srv, mux: mux}
}

// Start begins processing in the background.
func (s *AsynqServer) Start() error {
	return s.srv.Start(s.mux)
}

func (s *AsynqServer) Shutdown() {
	s.srv.Shutdown()
}

// LogLevel maps server.log_level onto asynq's levels.
func LogLevel(level string) asynq.LogLevel {
	switch {
	case strings.EqualFold(level, "debug"):
		return asynq.DebugLevel
	case strings.EqualFold(level, "warn"):
		return asynq.WarnLevel
	case strings.EqualFold(level, "error"):
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
