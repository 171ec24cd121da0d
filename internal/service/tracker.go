package service

import (
	"context"
	"errors"
	"time"

	"github.com/makeacourse/api/internal/apperr"
	"github.com/makeacourse/api/internal/logger"
	"github.com/makeacourse/api/internal/model"
	"github.com/makeacourse/api/internal/store"
)

// Notifier receives every render task transition
type Notifier interface {
	NotifyTask(task *model.RenderTask)
}

// courseProgress is told when a module render succeeds.
type courseProgress interface {
	MarkRendered(ctx context.Context, courseID string) error
}

// Tracker owns render task status. Workers are its only callers for
// transitions; request handlers only read.
type Tracker struct {
	store    store.Store
	notifier Notifier
	courses  courseProgress
	log      *logger.Logger
	now      func() time.Time
}

func NewTracker(st store.Store, notifier Notifier, courses courseProgress, log *logger.Logger) *Tracker {
	return &Tracker{
		store:    st,
		notifier: notifier,
		courses:  courses,
		log:      log,
		now:      time.Now,
	}
}

// GetStatus returns the public view of a task.
func (t *Tracker) GetStatus(ctx context.Context, taskID string) (*model.RenderStatusResponse, error) {
	task, err := t.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return task.StatusView(), nil
}

// Task loads a task.
func (t *Tracker) Task(ctx context.Context, taskID string) (*model.RenderTask, error) {
	task, err := t.store.GetRenderTask(ctx, taskID)
	if err != nil {
		return nil, storeErr(err, "render task", taskID)
	}
	return task, nil
}

// ListTasks returns every task created for a target, oldest first.
func (t *Tracker) ListTasks(ctx context.Context, targetType model.TargetType, targetID string) ([]model.RenderStatusResponse, error) {
	if targetType != model.TargetScene && targetType != model.TargetModule {
		return nil, apperr.Validation("target_type must be SCENE or MODULE", map[string]string{"target_type": string(targetType)})
	}
	tasks, err := t.store.ListRenderTasks(ctx, targetType, targetID)
	if err != nil {
		return nil, storeErr(err, "render task", targetID)
	}
	out := make([]model.RenderStatusResponse, 0, len(tasks))
	for i := range tasks {
		out = append(out, *tasks[i].StatusView())
	}
	return out, nil
}

// Start moves a PENDING task to RUNNING.
func (t *Tracker) Start(ctx context.Context, taskID string) (*model.RenderTask, error) {
	return t.transition(ctx, taskID, func(task *model.RenderTask, now time.Time) {
		task.Status = model.RenderStatusRunning
		task.StartedAt = &now
	}, model.RenderStatusPending)
}

// Complete records a successful render.
func (t *Tracker) Complete(ctx context.Context, taskID string, result *model.RenderResult) (*model.RenderTask, error) {
	task, err := t.transition(ctx, taskID, func(task *model.RenderTask, now time.Time) {
		task.Status = model.RenderStatusSuccess
		task.Result = result
		task.CompletedAt = &now
	}, model.RenderStatusRunning)
	if err != nil {
		return nil, err
	}

	if task.TargetType == model.TargetModule && t.courses != nil {
		if err := t.courses.MarkRendered(ctx, task.CourseID); err != nil {
			t.log.Warn("course progress update failed", "course_id", task.CourseID, "error", err)
		}
	}
	return task, nil
}

// Fail records a failed render. A task can fail before it starts, when its
// job cannot be queued or its prerequisites no longer hold.
func (t *Tracker) Fail(ctx context.Context, taskID string, cause error) (*model.RenderTask, error) {
	taskErr := &model.TaskError{Kind: string(apperr.KindOf(cause)), Message: cause.Error()}
	return t.transition(ctx, taskID, func(task *model.RenderTask, now time.Time) {
		task.Status = model.RenderStatusFailure
		task.Error = taskErr
		task.CompletedAt = &now
	}, model.RenderStatusPending, model.RenderStatusRunning)
}

// FailOrphaned fails active tasks whose job did not survive a restart.
// Only tasks in one of statuses are touched; a task that finishes while the
// sweep runs is left alone. It returns the number of tasks failed.
func (t *Tracker) FailOrphaned(ctx context.Context, statuses ...model.RenderStatus) (int, error) {
	tasks, err := t.store.ListActiveRenderTasks(ctx)
	if err != nil {
		return 0, storeErr(err, "render task", "")
	}
	failed := 0
	for i := range tasks {
		task := &tasks[i]
		if !statusAllowed(task.Status, statuses) {
			continue
		}
		if _, err := t.Fail(ctx, task.TaskID, apperr.Render("render interrupted", errors.New("worker stopped before the task finished"))); err != nil {
			if apperr.Is(err, apperr.KindInvalidState) {
				continue
			}
			return failed, err
		}
		t.log.Warn("failed orphaned render task", "task_id", task.TaskID, "target_type", task.TargetType, "target_id", task.TargetID, "status", task.Status)
		failed++
	}
	return failed, nil
}

func (t *Tracker) transition(ctx context.Context, taskID string, apply func(*model.RenderTask, time.Time), from ...model.RenderStatus) (*model.RenderTask, error) {
	task, err := t.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !statusAllowed(task.Status, from) {
		return nil, invalidTaskState(task.Status, from)
	}

	apply(task, t.now())
	if err := t.store.TransitionRender(ctx, task, from...); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			current, getErr := t.store.GetRenderTask(ctx, taskID)
			if getErr == nil {
				return nil, invalidTaskState(current.Status, from)
			}
		}
		return nil, storeErr(err, "render task", taskID)
	}

	t.log.Info("render task transition",
		"task_id", task.TaskID,
		"target_type", task.TargetType,
		"target_id", task.TargetID,
		"status", task.Status,
	)
	if t.notifier != nil {
		t.notifier.NotifyTask(task)
	}
	return task, nil
}

func statusAllowed(status model.RenderStatus, from []model.RenderStatus) bool {
	for _, s := range from {
		if s == status {
			return true
		}
	}
	return false
}

func invalidTaskState(actual model.RenderStatus, required []model.RenderStatus) error {
	names := make([]string, len(required))
	for i, r := range required {
		names[i] = string(r)
	}
	return apperr.InvalidState("render task is not in the expected status", string(actual), names...)
}
