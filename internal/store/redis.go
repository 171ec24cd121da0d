package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/makeacourse/api/internal/model"
)

const maxTxRetries = 16

// RedisStore keeps entities as JSON values. Multi-record writes run in
// MULTI/EXEC under WATCH, so a concurrent writer to any watched key makes the
// transaction retry against fresh data.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func courseKey(id string) string           { return "course:" + id }
func courseObjectivesKey(id string) string { return "course:" + id + ":objectives" }
func courseModulesKey(id string) string    { return "course:" + id + ":modules" }
func moduleKey(id string) string           { return "module:" + id }
func moduleScenesKey(id string) string     { return "module:" + id + ":scenes" }
func sceneKey(id string) string            { return "scene:" + id }
func knowledgeCheckKey(id string) string   { return "kc:" + id }
func avatarKey(id string) string           { return "avatar:" + id }
func taskKey(id string) string             { return "render:task:" + id }

const avatarIndexKey = "avatars"

func targetTasksKey(t model.TargetType, id string) string {
	return fmt.Sprintf("render:target:%s:%s", t, id)
}

func targetEntityKey(t model.TargetType, id string) string {
	if t == model.TargetModule {
		return moduleKey(id)
	}
	return sceneKey(id)
}

func getJSON(ctx context.Context, g getter, key string, dst interface{}) error {
	data, err := g.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, dst)
}

func setJSON(ctx context.Context, pipe redis.Pipeliner, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return pipe.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis store: contention on %v", keys)
}

func (s *RedisStore) load(ctx context.Context, g getter, entity, id, key string, dst interface{}) error {
	if err := getJSON(ctx, g, key, dst); err != nil {
		if errors.Is(err, ErrNotFound) {
			return notFound(entity, id)
		}
		return fmt.Errorf("redis store: get %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ids(ctx context.Context, g getter, key string) ([]string, error) {
	var ids []string
	if err := getJSON(ctx, g, key, &ids); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return ids, nil
}

func (s *RedisStore) CreateCourse(ctx context.Context, c *model.Course) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return setJSON(ctx, pipe, courseKey(c.ID), c)
	})
	return err
}

func (s *RedisStore) GetCourse(ctx context.Context, id string) (*model.Course, error) {
	var c model.Course
	if err := s.load(ctx, s.rdb, "course", id, courseKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *RedisStore) UpdateCourse(ctx context.Context, id string, fn func(c *model.Course) error) (*model.Course, error) {
	var out model.Course
	err := s.watch(ctx, func(tx *redis.Tx) error {
		var c model.Course
		if err := s.load(ctx, tx, "course", id, courseKey(id), &c); err != nil {
			return err
		}
		if err := fn(&c); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return setJSON(ctx, pipe, courseKey(id), &c)
		})
		out = c
		return err
	}, courseKey(id))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RedisStore) SaveObjectives(ctx context.Context, course *model.Course, objectives []model.Objective, allowed ...model.CourseStage) error {
	return s.watch(ctx, func(tx *redis.Tx) error {
		var stored model.Course
		if err := s.load(ctx, tx, "course", course.ID, courseKey(course.ID), &stored); err != nil {
			return err
		}
		if !stageAllowed(stored.Stage, allowed) {
			return ErrStageConflict
		}
		objs := append([]model.Objective(nil), objectives...)
		sortObjectives(objs)
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := setJSON(ctx, pipe, courseObjectivesKey(course.ID), objs); err != nil {
				return err
			}
			return setJSON(ctx, pipe, courseKey(course.ID), course)
		})
		return err
	}, courseKey(course.ID), courseObjectivesKey(course.ID))
}

func (s *RedisStore) ListObjectives(ctx context.Context, courseID string) ([]model.Objective, error) {
	objs := []model.Objective{}
	if err := getJSON(ctx, s.rdb, courseObjectivesKey(courseID), &objs); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return objs, nil
}

func (s *RedisStore) SaveModules(ctx context.Context, course *model.Course, content []model.ModuleContent, from model.CourseStage) error {
	return s.watch(ctx, func(tx *redis.Tx) error {
		var stored model.Course
		if err := s.load(ctx, tx, "course", course.ID, courseKey(course.ID), &stored); err != nil {
			return err
		}
		if stored.Stage != from {
			return ErrStageConflict
		}
		existing, err := s.ids(ctx, tx, courseModulesKey(course.ID))
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return ErrModulesExist
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			moduleIDs := make([]string, 0, len(content))
			for i := range content {
				mc := &content[i]
				moduleIDs = append(moduleIDs, mc.Module.ID)
				if err := setJSON(ctx, pipe, moduleKey(mc.Module.ID), &mc.Module); err != nil {
					return err
				}
				sceneIDs := make([]string, 0, len(mc.Scenes))
				for j := range mc.Scenes {
					sceneIDs = append(sceneIDs, mc.Scenes[j].ID)
					if err := setJSON(ctx, pipe, sceneKey(mc.Scenes[j].ID), &mc.Scenes[j]); err != nil {
						return err
					}
				}
				if err := setJSON(ctx, pipe, moduleScenesKey(mc.Module.ID), sceneIDs); err != nil {
					return err
				}
			}
			if err := setJSON(ctx, pipe, courseModulesKey(course.ID), moduleIDs); err != nil {
				return err
			}
			return setJSON(ctx, pipe, courseKey(course.ID), course)
		})
		return err
	}, courseKey(course.ID), courseModulesKey(course.ID))
}

func (s *RedisStore) ListModules(ctx context.Context, courseID string) ([]model.Module, error) {
	ids, err := s.ids(ctx, s.rdb, courseModulesKey(courseID))
	if err != nil {
		return nil, err
	}
	out := make([]model.Module, 0, len(ids))
	for _, id := range ids {
		var m model.Module
		if err := s.load(ctx, s.rdb, "module", id, moduleKey(id), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sortModules(out)
	return out, nil
}

func (s *RedisStore) GetModule(ctx context.Context, id string) (*model.Module, error) {
	var m model.Module
	if err := s.load(ctx, s.rdb, "module", id, moduleKey(id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *RedisStore) ListScenes(ctx context.Context, moduleID string) ([]model.Scene, error) {
	ids, err := s.ids(ctx, s.rdb, moduleScenesKey(moduleID))
	if err != nil {
		return nil, err
	}
	out := make([]model.Scene, 0, len(ids))
	for _, id := range ids {
		var sc model.Scene
		if err := s.load(ctx, s.rdb, "scene", id, sceneKey(id), &sc); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	sortScenes(out)
	return out, nil
}

func (s *RedisStore) GetScene(ctx context.Context, id string) (*model.Scene, error) {
	var sc model.Scene
	if err := s.load(ctx, s.rdb, "scene", id, sceneKey(id), &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *RedisStore) SaveKnowledgeCheck(ctx context.Context, kc *model.KnowledgeCheck) error {
	n, err := s.rdb.Exists(ctx, moduleKey(kc.ModuleID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("module", kc.ModuleID)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return setJSON(ctx, pipe, knowledgeCheckKey(kc.ModuleID), kc)
	})
	return err
}

func (s *RedisStore) GetKnowledgeCheck(ctx context.Context, moduleID string) (*model.KnowledgeCheck, error) {
	var kc model.KnowledgeCheck
	if err := s.load(ctx, s.rdb, "knowledge check", moduleID, knowledgeCheckKey(moduleID), &kc); err != nil {
		return nil, err
	}
	return &kc, nil
}

func (s *RedisStore) CreateAvatar(ctx context.Context, a *model.Avatar) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := setJSON(ctx, pipe, avatarKey(a.ID), a); err != nil {
			return err
		}
		return pipe.ZAdd(ctx, avatarIndexKey, redis.Z{Score: float64(a.CreatedAt.UnixNano()), Member: a.ID}).Err()
	})
	return err
}

func (s *RedisStore) GetAvatar(ctx context.Context, id string) (*model.Avatar, error) {
	var a model.Avatar
	if err := s.load(ctx, s.rdb, "avatar", id, avatarKey(id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *RedisStore) UpdateAvatar(ctx context.Context, a *model.Avatar) error {
	return s.watch(ctx, func(tx *redis.Tx) error {
		var stored model.Avatar
		if err := s.load(ctx, tx, "avatar", a.ID, avatarKey(a.ID), &stored); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return setJSON(ctx, pipe, avatarKey(a.ID), a)
		})
		return err
	}, avatarKey(a.ID))
}

func (s *RedisStore) ListAvatars(ctx context.Context) ([]model.Avatar, error) {
	ids, err := s.rdb.ZRevRange(ctx, avatarIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Avatar, 0, len(ids))
	for _, id := range ids {
		var a model.Avatar
		if err := s.load(ctx, s.rdb, "avatar", id, avatarKey(id), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// renderTarget is the decoded scene or module a task renders.
type renderTarget struct {
	scene  *model.Scene
	module *model.Module
}

func (s *RedisStore) loadTarget(ctx context.Context, g getter, t model.TargetType, id string) (*renderTarget, error) {
	switch t {
	case model.TargetScene:
		var sc model.Scene
		if err := s.load(ctx, g, "scene", id, sceneKey(id), &sc); err != nil {
			return nil, err
		}
		return &renderTarget{scene: &sc}, nil
	case model.TargetModule:
		var m model.Module
		if err := s.load(ctx, g, "module", id, moduleKey(id), &m); err != nil {
			return nil, err
		}
		return &renderTarget{module: &m}, nil
	}
	return nil, fmt.Errorf("redis store: unknown target type %q", t)
}

func (rt *renderTarget) currentTaskID() string {
	if rt.scene != nil {
		return rt.scene.CurrentTaskID
	}
	return rt.module.CurrentTaskID
}

func (rt *renderTarget) claim(task *model.RenderTask) {
	if rt.scene != nil {
		rt.scene.CurrentTaskID = task.TaskID
		mirrorTask(task, &rt.scene.RenderStatus, &rt.scene.OutputPath)
		return
	}
	rt.module.CurrentTaskID = task.TaskID
	mirrorTask(task, &rt.module.RenderStatus, &rt.module.OutputPath)
}

func (rt *renderTarget) mirror(task *model.RenderTask) {
	if rt.scene != nil {
		mirrorTask(task, &rt.scene.RenderStatus, &rt.scene.OutputPath)
		return
	}
	mirrorTask(task, &rt.module.RenderStatus, &rt.module.OutputPath)
}

func (rt *renderTarget) value() interface{} {
	if rt.scene != nil {
		return rt.scene
	}
	return rt.module
}

func (s *RedisStore) ClaimRender(ctx context.Context, task *model.RenderTask) (*model.RenderTask, bool, error) {
	entityKey := targetEntityKey(task.TargetType, task.TargetID)
	var existing *model.RenderTask

	err := s.watch(ctx, func(tx *redis.Tx) error {
		existing = nil
		target, err := s.loadTarget(ctx, tx, task.TargetType, task.TargetID)
		if err != nil {
			return err
		}
		if current := target.currentTaskID(); current != "" {
			var prior model.RenderTask
			err := getJSON(ctx, tx, taskKey(current), &prior)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err == nil && prior.Status.IsActive() {
				existing = &prior
				return nil
			}
		}

		target.claim(task)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := setJSON(ctx, pipe, taskKey(task.TaskID), task); err != nil {
				return err
			}
			if err := pipe.RPush(ctx, targetTasksKey(task.TargetType, task.TargetID), task.TaskID).Err(); err != nil {
				return err
			}
			return setJSON(ctx, pipe, entityKey, target.value())
		})
		return err
	}, entityKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	return task, true, nil
}

func (s *RedisStore) GetRenderTask(ctx context.Context, taskID string) (*model.RenderTask, error) {
	var t model.RenderTask
	if err := s.load(ctx, s.rdb, "render task", taskID, taskKey(taskID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *RedisStore) ListRenderTasks(ctx context.Context, targetType model.TargetType, targetID string) ([]model.RenderTask, error) {
	ids, err := s.rdb.LRange(ctx, targetTasksKey(targetType, targetID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.RenderTask, 0, len(ids))
	for _, id := range ids {
		var t model.RenderTask
		if err := s.load(ctx, s.rdb, "render task", id, taskKey(id), &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sortTasks(out)
	return out, nil
}

// ListActiveRenderTasks scans every task key. It is meant for startup
// reconciliation, not the request path.
func (s *RedisStore) ListActiveRenderTasks(ctx context.Context) ([]model.RenderTask, error) {
	out := []model.RenderTask{}
	iter := s.rdb.Scan(ctx, 0, taskKey("*"), 200).Iterator()
	for iter.Next(ctx) {
		var t model.RenderTask
		if err := getJSON(ctx, s.rdb, iter.Val(), &t); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if t.Status.IsActive() {
			out = append(out, t)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sortTasks(out)
	return out, nil
}

func (s *RedisStore) TransitionRender(ctx context.Context, task *model.RenderTask, from ...model.RenderStatus) error {
	entityKey := targetEntityKey(task.TargetType, task.TargetID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		var stored model.RenderTask
		if err := s.load(ctx, tx, "render task", task.TaskID, taskKey(task.TaskID), &stored); err != nil {
			return err
		}
		if !statusIn(stored.Status, from) {
			return ErrInvalidTransition
		}
		target, err := s.loadTarget(ctx, tx, task.TargetType, task.TargetID)
		if err != nil {
			return err
		}
		owned := target.currentTaskID() == task.TaskID
		if owned {
			target.mirror(task)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := setJSON(ctx, pipe, taskKey(task.TaskID), task); err != nil {
				return err
			}
			if owned {
				return setJSON(ctx, pipe, entityKey, target.value())
			}
			return nil
		})
		return err
	}, taskKey(task.TaskID), entityKey)
}

// Close is a no-op; the client is shared and owned by the caller.
func (s *RedisStore) Close() error { return nil }
