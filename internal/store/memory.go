package store

import (
	"context"
	"sort"
	"sync"

	"github.com/makeacourse/api/internal/model"
)

// MemoryStore keeps everything in process. It backs tests and single-node
// development; a single mutex makes every method atomic.
type MemoryStore struct {
	mu sync.Mutex

	courses      map[string]model.Course
	objectives   map[string][]model.Objective // by course
	modules      map[string]model.Module
	courseMods   map[string][]string // course -> module ids
	scenes       map[string]model.Scene
	moduleScenes map[string][]string // module -> scene ids
	checks       map[string]model.KnowledgeCheck
	avatars      map[string]model.Avatar
	tasks        map[string]model.RenderTask
	targetTasks  map[string][]string // type:id -> task ids
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		courses:      make(map[string]model.Course),
		objectives:   make(map[string][]model.Objective),
		modules:      make(map[string]model.Module),
		courseMods:   make(map[string][]string),
		scenes:       make(map[string]model.Scene),
		moduleScenes: make(map[string][]string),
		checks:       make(map[string]model.KnowledgeCheck),
		avatars:      make(map[string]model.Avatar),
		tasks:        make(map[string]model.RenderTask),
		targetTasks:  make(map[string][]string),
	}
}

func targetKey(t model.TargetType, id string) string {
	return string(t) + ":" + id
}

func (s *MemoryStore) CreateCourse(_ context.Context, c *model.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[c.ID] = *c
	return nil
}

func (s *MemoryStore) GetCourse(_ context.Context, id string) (*model.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[id]
	if !ok {
		return nil, notFound("course", id)
	}
	return &c, nil
}

func (s *MemoryStore) UpdateCourse(_ context.Context, id string, fn func(c *model.Course) error) (*model.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[id]
	if !ok {
		return nil, notFound("course", id)
	}
	if err := fn(&c); err != nil {
		return nil, err
	}
	s.courses[id] = c
	return &c, nil
}

func (s *MemoryStore) SaveObjectives(_ context.Context, course *model.Course, objectives []model.Objective, allowed ...model.CourseStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.courses[course.ID]
	if !ok {
		return notFound("course", course.ID)
	}
	if !stageAllowed(stored.Stage, allowed) {
		return ErrStageConflict
	}
	objs := append([]model.Objective(nil), objectives...)
	sortObjectives(objs)
	s.objectives[course.ID] = objs
	s.courses[course.ID] = *course
	return nil
}

func (s *MemoryStore) ListObjectives(_ context.Context, courseID string) ([]model.Objective, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Objective{}, s.objectives[courseID]...), nil
}

func (s *MemoryStore) SaveModules(_ context.Context, course *model.Course, content []model.ModuleContent, from model.CourseStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.courses[course.ID]
	if !ok {
		return notFound("course", course.ID)
	}
	if stored.Stage != from {
		return ErrStageConflict
	}
	if len(s.courseMods[course.ID]) > 0 {
		return ErrModulesExist
	}
	ids := make([]string, 0, len(content))
	for _, mc := range content {
		s.modules[mc.Module.ID] = mc.Module
		ids = append(ids, mc.Module.ID)
		sceneIDs := make([]string, 0, len(mc.Scenes))
		for _, sc := range mc.Scenes {
			s.scenes[sc.ID] = sc
			sceneIDs = append(sceneIDs, sc.ID)
		}
		s.moduleScenes[mc.Module.ID] = sceneIDs
	}
	s.courseMods[course.ID] = ids
	s.courses[course.ID] = *course
	return nil
}

func (s *MemoryStore) ListModules(_ context.Context, courseID string) ([]model.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Module, 0, len(s.courseMods[courseID]))
	for _, id := range s.courseMods[courseID] {
		out = append(out, s.modules[id])
	}
	sortModules(out)
	return out, nil
}

func (s *MemoryStore) GetModule(_ context.Context, id string) (*model.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[id]
	if !ok {
		return nil, notFound("module", id)
	}
	return &m, nil
}

func (s *MemoryStore) ListScenes(_ context.Context, moduleID string) ([]model.Scene, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Scene, 0, len(s.moduleScenes[moduleID]))
	for _, id := range s.moduleScenes[moduleID] {
		out = append(out, s.scenes[id])
	}
	sortScenes(out)
	return out, nil
}

func (s *MemoryStore) GetScene(_ context.Context, id string) (*model.Scene, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scenes[id]
	if !ok {
		return nil, notFound("scene", id)
	}
	return &sc, nil
}

func (s *MemoryStore) SaveKnowledgeCheck(_ context.Context, kc *model.KnowledgeCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[kc.ModuleID]; !ok {
		return notFound("module", kc.ModuleID)
	}
	s.checks[kc.ModuleID] = *kc
	return nil
}

func (s *MemoryStore) GetKnowledgeCheck(_ context.Context, moduleID string) (*model.KnowledgeCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kc, ok := s.checks[moduleID]
	if !ok {
		return nil, notFound("knowledge check", moduleID)
	}
	return &kc, nil
}

func (s *MemoryStore) CreateAvatar(_ context.Context, a *model.Avatar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avatars[a.ID] = *a
	return nil
}

func (s *MemoryStore) GetAvatar(_ context.Context, id string) (*model.Avatar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.avatars[id]
	if !ok {
		return nil, notFound("avatar", id)
	}
	return &a, nil
}

func (s *MemoryStore) UpdateAvatar(_ context.Context, a *model.Avatar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.avatars[a.ID]; !ok {
		return notFound("avatar", a.ID)
	}
	s.avatars[a.ID] = *a
	return nil
}

func (s *MemoryStore) ListAvatars(_ context.Context) ([]model.Avatar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Avatar, 0, len(s.avatars))
	for _, a := range s.avatars {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ClaimRender(_ context.Context, task *model.RenderTask) (*model.RenderTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current string
	switch task.TargetType {
	case model.TargetScene:
		sc, ok := s.scenes[task.TargetID]
		if !ok {
			return nil, false, notFound("scene", task.TargetID)
		}
		current = sc.CurrentTaskID
	case model.TargetModule:
		m, ok := s.modules[task.TargetID]
		if !ok {
			return nil, false, notFound("module", task.TargetID)
		}
		current = m.CurrentTaskID
	}

	if current != "" {
		if existing, ok := s.tasks[current]; ok && existing.Status.IsActive() {
			return &existing, false, nil
		}
	}

	s.tasks[task.TaskID] = *task
	key := targetKey(task.TargetType, task.TargetID)
	s.targetTasks[key] = append(s.targetTasks[key], task.TaskID)
	s.applyToTarget(task, true)
	return task, true, nil
}

func (s *MemoryStore) GetRenderTask(_ context.Context, taskID string) (*model.RenderTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, notFound("render task", taskID)
	}
	return &t, nil
}

func (s *MemoryStore) ListRenderTasks(_ context.Context, targetType model.TargetType, targetID string) ([]model.RenderTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.targetTasks[targetKey(targetType, targetID)]
	out := make([]model.RenderTask, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tasks[id])
	}
	sortTasks(out)
	return out, nil
}

func (s *MemoryStore) ListActiveRenderTasks(_ context.Context) ([]model.RenderTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.RenderTask{}
	for _, t := range s.tasks {
		if t.Status.IsActive() {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *MemoryStore) TransitionRender(_ context.Context, task *model.RenderTask, from ...model.RenderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tasks[task.TaskID]
	if !ok {
		return notFound("render task", task.TaskID)
	}
	if !statusIn(stored.Status, from) {
		return ErrInvalidTransition
	}
	s.tasks[task.TaskID] = *task
	s.applyToTarget(task, false)
	return nil
}

// applyToTarget mirrors task onto its target. claim also takes ownership of
// the target; otherwise the target is only touched while it still points at task.
func (s *MemoryStore) applyToTarget(task *model.RenderTask, claim bool) {
	switch task.TargetType {
	case model.TargetScene:
		sc := s.scenes[task.TargetID]
		if claim {
			sc.CurrentTaskID = task.TaskID
		} else if sc.CurrentTaskID != task.TaskID {
			return
		}
		mirrorTask(task, &sc.RenderStatus, &sc.OutputPath)
		s.scenes[task.TargetID] = sc
	case model.TargetModule:
		m := s.modules[task.TargetID]
		if claim {
			m.CurrentTaskID = task.TaskID
		} else if m.CurrentTaskID != task.TaskID {
			return
		}
		mirrorTask(task, &m.RenderStatus, &m.OutputPath)
		s.modules[task.TargetID] = m
	}
}

func (s *MemoryStore) Close() error { return nil }
