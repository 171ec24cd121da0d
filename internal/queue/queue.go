package queue

import (
	"context"
	"errors"

	"github.com/makeacourse/api/internal/model"
)

// Queue names used by the asynq backend
const (
	QueueScenes  = "scenes"
	QueueModules = "modules"
)

var ErrQueueFull = errors.New("queue: full")

// Queue accepts render jobs without waiting for them to run.
type Queue interface {
	EnqueueScene(ctx context.Context, job model.SceneRenderJob) error
	EnqueueModule(ctx context.Context, job model.ModuleRenderJob) error
}

// Handlers are the job bodies a consumer runs.
type Handlers struct {
	Scene  func(ctx context.Context, job model.SceneRenderJob) error
	Module func(ctx context.Context, job model.ModuleRenderJob) error
}
