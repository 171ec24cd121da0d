package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/makeacourse/api/internal/model"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrStageConflict     = errors.New("store: course stage changed concurrently")
	ErrModulesExist      = errors.New("store: course already has modules")
	ErrInvalidTransition = errors.New("store: invalid render task transition")
)

// Store is the persistence boundary of the pipeline. Every method is atomic;
// the multi-record writes (SaveObjectives, SaveModules, ClaimRender,
// TransitionRender) either apply completely or not at all.
type Store interface {
	CreateCourse(ctx context.Context, c *model.Course) error
	GetCourse(ctx context.Context, id string) (*model.Course, error)
	// UpdateCourse applies fn to the stored course and persists the result.
	UpdateCourse(ctx context.Context, id string, fn func(c *model.Course) error) (*model.Course, error)

	// SaveObjectives replaces the course's objectives and writes the course,
	// provided the stored stage is one of allowed.
	SaveObjectives(ctx context.Context, course *model.Course, objectives []model.Objective, allowed ...model.CourseStage) error
	ListObjectives(ctx context.Context, courseID string) ([]model.Objective, error)

	// SaveModules writes every module and scene plus the course, provided the
	// stored stage equals from and the course has no modules yet.
	SaveModules(ctx context.Context, course *model.Course, content []model.ModuleContent, from model.CourseStage) error
	ListModules(ctx context.Context, courseID string) ([]model.Module, error)
	GetModule(ctx context.Context, id string) (*model.Module, error)
	ListScenes(ctx context.Context, moduleID string) ([]model.Scene, error)
	GetScene(ctx context.Context, id string) (*model.Scene, error)

	SaveKnowledgeCheck(ctx context.Context, kc *model.KnowledgeCheck) error
	GetKnowledgeCheck(ctx context.Context, moduleID string) (*model.KnowledgeCheck, error)

	CreateAvatar(ctx context.Context, a *model.Avatar) error
	GetAvatar(ctx context.Context, id string) (*model.Avatar, error)
	UpdateAvatar(ctx context.Context, a *model.Avatar) error
	ListAvatars(ctx context.Context) ([]model.Avatar, error)

	// ClaimRender is the compare-and-set on the target's current_task_id. When
	// the target already points at a PENDING or RUNNING task, that task is
	// returned with claimed=false and nothing is written. Otherwise task is
	// stored, the target becomes PENDING with its output cleared, and
	// current_task_id is set to task.TaskID.
	ClaimRender(ctx context.Context, task *model.RenderTask) (existing *model.RenderTask, claimed bool, err error)
	GetRenderTask(ctx context.Context, taskID string) (*model.RenderTask, error)
	ListRenderTasks(ctx context.Context, targetType model.TargetType, targetID string) ([]model.RenderTask, error)
	// ListActiveRenderTasks returns every PENDING or RUNNING task, oldest first.
	ListActiveRenderTasks(ctx context.Context) ([]model.RenderTask, error)
	// TransitionRender overwrites the stored task with task, provided the
	// stored status is one of from. The target mirrors the new status (and the
	// output path on success) only while its current_task_id is task.TaskID.
	TransitionRender(ctx context.Context, task *model.RenderTask, from ...model.RenderStatus) error

	Close() error
}

func notFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

func stageAllowed(stage model.CourseStage, allowed []model.CourseStage) bool {
	for _, s := range allowed {
		if s == stage {
			return true
		}
	}
	return false
}

func statusIn(status model.RenderStatus, from []model.RenderStatus) bool {
	for _, s := range from {
		if s == status {
			return true
		}
	}
	return false
}

// mirrorTask applies a task's status to the render fields of its target.
func mirrorTask(task *model.RenderTask, status *model.RenderStatus, outputPath *string) {
	*status = task.Status
	switch task.Status {
	case model.RenderStatusSuccess:
		if task.Result != nil {
			*outputPath = task.Result.OutputPath
		}
	case model.RenderStatusPending:
		*outputPath = ""
	}
}

func sortObjectives(objs []model.Objective) {
	sort.SliceStable(objs, func(i, j int) bool { return objs[i].Order < objs[j].Order })
}

func sortModules(mods []model.Module) {
	sort.SliceStable(mods, func(i, j int) bool { return mods[i].Order < mods[j].Order })
}

func sortScenes(scenes []model.Scene) {
	sort.SliceStable(scenes, func(i, j int) bool { return scenes[i].SceneNumber < scenes[j].SceneNumber })
}

func sortTasks(tasks []model.RenderTask) {
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
}
