package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/makeacourse/api/internal/apperr"
	"github.com/makeacourse/api/internal/logger"
	"github.com/makeacourse/api/internal/model"
	"github.com/makeacourse/api/internal/queue"
	"github.com/makeacourse/api/internal/store"
)

type renderProgress interface {
	MarkRendering(ctx context.Context, courseID string) error
}

// RenderService dispatches render tasks for scenes and modules
type RenderService struct {
	store   store.Store
	queue   queue.Queue
	tracker *Tracker
	courses renderProgress
	dedup   bool
	log     *logger.Logger
	now     func() time.Time
}

func NewRenderService(st store.Store, q queue.Queue, tracker *Tracker, courses renderProgress, dedup bool, log *logger.Logger) *RenderService {
	return &RenderService{
		store:   st,
		queue:   q,
		tracker: tracker,
		courses: courses,
		dedup:   dedup,
		log:     log,
		now:     time.Now,
	}
}

// RenderScene queues a render of one scene and returns immediately. A scene
// that already has a PENDING or RUNNING task gets that task back.
func (s *RenderService) RenderScene(ctx context.Context, sceneID string) (*model.RenderHandle, error) {
	scene, err := s.store.GetScene(ctx, sceneID)
	if err != nil {
		return nil, storeErr(err, "scene", sceneID)
	}
	module, err := s.store.GetModule(ctx, scene.ModuleID)
	if err != nil {
		return nil, storeErr(err, "module", scene.ModuleID)
	}

	task := s.newTask(model.TargetScene, sceneID, module.CourseID, nil)
	handle, claimed, err := s.claim(ctx, task)
	if err != nil || !claimed {
		return handle, err
	}

	job := model.SceneRenderJob{TaskID: task.TaskID, SceneID: sceneID}
	if err := s.queue.EnqueueScene(ctx, job); err != nil {
		return nil, s.abandon(ctx, task, err)
	}
	s.log.Info("scene render queued", "task_id", task.TaskID, "scene_id", sceneID)
	return handle, nil
}

// RenderModule queues the concatenation of a module's scenes. Every scene
// must have rendered successfully.
func (s *RenderService) RenderModule(ctx context.Context, moduleID string) (*model.RenderHandle, error) {
	module, err := s.store.GetModule(ctx, moduleID)
	if err != nil {
		return nil, storeErr(err, "module", moduleID)
	}
	scenes, err := s.store.ListScenes(ctx, moduleID)
	if err != nil {
		return nil, storeErr(err, "module", moduleID)
	}
	if len(scenes) == 0 {
		return nil, apperr.UnmetDependency("module has no scenes", map[string]interface{}{"scene_ids": []string{}})
	}

	inputs := make([]model.RenderInput, 0, len(scenes))
	var unrendered []string
	for _, sc := range scenes {
		if sc.RenderStatus != model.RenderStatusSuccess || sc.OutputPath == "" {
			unrendered = append(unrendered, sc.ID)
			continue
		}
		inputs = append(inputs, model.RenderInput{
			SceneID:     sc.ID,
			SceneNumber: sc.SceneNumber,
			Path:        sc.OutputPath,
		})
	}
	if len(unrendered) > 0 {
		return nil, apperr.UnmetDependency("scenes have not rendered successfully",
			map[string]interface{}{"scene_ids": unrendered})
	}

	task := s.newTask(model.TargetModule, moduleID, module.CourseID, inputs)
	handle, claimed, err := s.claim(ctx, task)
	if err != nil || !claimed {
		return handle, err
	}
	handle.SceneCount = len(inputs)

	job := model.ModuleRenderJob{TaskID: task.TaskID, ModuleID: moduleID, Inputs: inputs}
	if err := s.queue.EnqueueModule(ctx, job); err != nil {
		return nil, s.abandon(ctx, task, err)
	}
	s.log.Info("module render queued", "task_id", task.TaskID, "module_id", moduleID, "scenes", len(inputs))
	return handle, nil
}

func (s *RenderService) newTask(targetType model.TargetType, targetID, courseID string, inputs []model.RenderInput) *model.RenderTask {
	return &model.RenderTask{
		TaskID:     uuid.New().String(),
		TargetType: targetType,
		TargetID:   targetID,
		CourseID:   courseID,
		Status:     model.RenderStatusPending,
		Inputs:     inputs,
		CreatedAt:  s.now(),
	}
}

// claim stores task as the target's current task unless another task is
// still active, in which case that task's handle is returned.
func (s *RenderService) claim(ctx context.Context, task *model.RenderTask) (*model.RenderHandle, bool, error) {
	existing, claimed, err := s.store.ClaimRender(ctx, task)
	if err != nil {
		return nil, false, storeErr(err, strings.ToLower(string(task.TargetType)), task.TargetID)
	}
	if !claimed {
		if !s.dedup {
			return nil, false, apperr.Conflict("a render is already in progress for this target",
				map[string]string{"task_id": existing.TaskID})
		}
		s.log.Debug("render deduplicated", "task_id", existing.TaskID, "target_id", existing.TargetID)
		h := handleFor(existing)
		h.Deduplicated = true
		if existing.TargetType == model.TargetModule {
			h.SceneCount = len(existing.Inputs)
		}
		return h, false, nil
	}

	if s.courses != nil {
		if err := s.courses.MarkRendering(ctx, task.CourseID); err != nil {
			s.log.Warn("course progress update failed", "course_id", task.CourseID, "error", err)
		}
	}
	return handleFor(task), true, nil
}

// abandon fails a task whose job never reached the queue, so the target is
// not left PENDING with nothing to run it.
func (s *RenderService) abandon(ctx context.Context, task *model.RenderTask, cause error) error {
	appErr := apperr.ProviderFailure("render queue unavailable", map[string]string{"task_id": task.TaskID}, cause)
	if _, err := s.tracker.Fail(ctx, task.TaskID, appErr); err != nil {
		s.log.Error("failed to fail unqueued task", "task_id", task.TaskID, "error", err)
	}
	return appErr
}

func handleFor(task *model.RenderTask) *model.RenderHandle {
	return &model.RenderHandle{
		TaskID:     task.TaskID,
		Status:     task.Status,
		TargetType: task.TargetType,
		TargetID:   task.TargetID,
	}
}
