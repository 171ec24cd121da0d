package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeacourse/api/internal/model"
)

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CourseRoundTrip", func(t *testing.T) { testCourseRoundTrip(t, newStore(t)) })
	t.Run("SaveObjectivesChecksStage", func(t *testing.T) { testSaveObjectivesChecksStage(t, newStore(t)) })
	t.Run("SaveModulesAllOrNothing", func(t *testing.T) { testSaveModules(t, newStore(t)) })
	t.Run("KnowledgeCheckReplace", func(t *testing.T) { testKnowledgeCheck(t, newStore(t)) })
	t.Run("AvatarsNewestFirst", func(t *testing.T) { testAvatars(t, newStore(t)) })
	t.Run("ClaimRenderDedup", func(t *testing.T) { testClaimRenderDedup(t, newStore(t)) })
	t.Run("ClaimRenderConcurrent", func(t *testing.T) { testClaimRenderConcurrent(t, newStore(t)) })
	t.Run("TransitionRender", func(t *testing.T) { testTransitionRender(t, newStore(t)) })
	t.Run("StaleTaskDoesNotTouchTarget", func(t *testing.T) { testStaleTask(t, newStore(t)) })
	t.Run("ListActiveRenderTasks", func(t *testing.T) { testListActive(t, newStore(t)) })
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		t.Cleanup(func() { rdb.Close() })
		return NewRedisStore(rdb)
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewPostgresStore(ctx, PostgresConfig{DSN: dsn, MaxConns: 8})
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, "TRUNCATE courses, avatars, render_tasks CASCADE")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func newCourse(stage model.CourseStage) *model.Course {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Course{
		ID:             uuid.NewString(),
		Name:           "Intro to Go",
		Language:       model.LanguageEnglish,
		TargetAudience: "backend engineers",
		ContentStyle:   model.StyleTechnical,
		Stage:          stage,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func seedModule(t *testing.T, s Store, sceneCount int) (*model.Course, model.ModuleContent) {
	t.Helper()
	ctx := context.Background()
	course := newCourse(model.StageObjectivesSelected)
	require.NoError(t, s.CreateCourse(ctx, course))

	mod := model.Module{
		ID:           uuid.NewString(),
		CourseID:     course.ID,
		Title:        "Goroutines",
		Order:        0,
		RenderStatus: model.RenderStatusNone,
	}
	content := model.ModuleContent{Module: mod}
	// inserted in reverse to check ordering on read
	for n := sceneCount; n >= 1; n-- {
		content.Scenes = append(content.Scenes, model.Scene{
			ID:           uuid.NewString(),
			ModuleID:     mod.ID,
			SceneNumber:  n,
			RenderStatus: model.RenderStatusNone,
		})
	}
	course.Stage = model.StageModulesReady
	require.NoError(t, s.SaveModules(ctx, course, []model.ModuleContent{content}, model.StageObjectivesSelected))
	return course, content
}

func newTask(target model.TargetType, targetID, courseID string) *model.RenderTask {
	return &model.RenderTask{
		TaskID:     uuid.NewString(),
		TargetType: target,
		TargetID:   targetID,
		CourseID:   courseID,
		Status:     model.RenderStatusPending,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testCourseRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCourse(model.StageDraft)
	require.NoError(t, s.CreateCourse(ctx, c))

	got, err := s.GetCourse(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Name, got.Name)
	assert.Equal(t, model.StageDraft, got.Stage)

	updated, err := s.UpdateCourse(ctx, c.ID, func(c *model.Course) error {
		c.AvatarID = "avatar-1"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "avatar-1", updated.AvatarID)

	_, err = s.GetCourse(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testSaveObjectivesChecksStage(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCourse(model.StageDraft)
	require.NoError(t, s.CreateCourse(ctx, c))

	objs := []model.Objective{
		{ID: uuid.NewString(), CourseID: c.ID, Text: "second", Order: 1},
		{ID: uuid.NewString(), CourseID: c.ID, Text: "first", Order: 0},
	}
	next := *c
	next.Stage = model.StageObjectivesReady
	require.NoError(t, s.SaveObjectives(ctx, &next, objs, model.StageDraft))

	got, err := s.ListObjectives(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Text)
	assert.Equal(t, "second", got[1].Text)

	// stored stage is now OBJECTIVES_READY, so a DRAFT-only write must fail
	err = s.SaveObjectives(ctx, &next, objs, model.StageDraft)
	assert.ErrorIs(t, err, ErrStageConflict)

	stored, err := s.GetCourse(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageObjectivesReady, stored.Stage)
}

func testSaveModules(t *testing.T, s Store) {
	ctx := context.Background()
	course, content := seedModule(t, s, 3)

	stored, err := s.GetCourse(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageModulesReady, stored.Stage)

	mods, err := s.ListModules(ctx, course.ID)
	require.NoError(t, err)
	require.Len(t, mods, 1)

	scenes, err := s.ListScenes(ctx, content.Module.ID)
	require.NoError(t, err)
	require.Len(t, scenes, 3)
	for i, sc := range scenes {
		assert.Equal(t, i+1, sc.SceneNumber)
	}

	// a second attempt fails on the stage check and writes nothing
	again := model.ModuleContent{Module: model.Module{ID: uuid.NewString(), CourseID: course.ID, RenderStatus: model.RenderStatusNone}}
	err = s.SaveModules(ctx, course, []model.ModuleContent{again}, model.StageObjectivesSelected)
	assert.ErrorIs(t, err, ErrStageConflict)
	_, err = s.GetModule(ctx, again.Module.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testKnowledgeCheck(t *testing.T, s Store) {
	ctx := context.Background()
	_, content := seedModule(t, s, 1)

	kc := &model.KnowledgeCheck{
		ModuleID: content.Module.ID,
		Title:    "Quiz",
		Questions: []model.Question{{
			Text:  "What starts a goroutine?",
			Order: 0,
			Options: []model.Option{
				{Text: "go", IsCorrect: true, Order: 0},
				{Text: "defer", Order: 1},
			},
		}},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.SaveKnowledgeCheck(ctx, kc))

	kc.Title = "Quiz v2"
	kc.Questions = kc.Questions[:1]
	require.NoError(t, s.SaveKnowledgeCheck(ctx, kc))

	got, err := s.GetKnowledgeCheck(ctx, content.Module.ID)
	require.NoError(t, err)
	assert.Equal(t, "Quiz v2", got.Title)
	require.Len(t, got.Questions, 1)
	assert.True(t, got.Questions[0].Options[0].IsCorrect)

	err = s.SaveKnowledgeCheck(ctx, &model.KnowledgeCheck{ModuleID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testAvatars(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	older := &model.Avatar{ID: uuid.NewString(), Name: "old", ProviderRef: "p1", TrainingStatus: model.TrainingStatusTraining, CreatedAt: base, UpdatedAt: base}
	newer := &model.Avatar{ID: uuid.NewString(), Name: "new", ProviderRef: "p2", TrainingStatus: model.TrainingStatusTraining, CreatedAt: base.Add(time.Second), UpdatedAt: base}
	require.NoError(t, s.CreateAvatar(ctx, older))
	require.NoError(t, s.CreateAvatar(ctx, newer))

	older.TrainingStatus = model.TrainingStatusReady
	require.NoError(t, s.UpdateAvatar(ctx, older))

	list, err := s.ListAvatars(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].Name)
	assert.Equal(t, model.TrainingStatusReady, list[1].TrainingStatus)

	err = s.UpdateAvatar(ctx, &model.Avatar{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testClaimRenderDedup(t *testing.T, s Store) {
	ctx := context.Background()
	course, content := seedModule(t, s, 1)
	sceneID := content.Scenes[0].ID

	first := newTask(model.TargetScene, sceneID, course.ID)
	got, claimed, err := s.ClaimRender(ctx, first)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, first.TaskID, got.TaskID)

	sc, err := s.GetScene(ctx, sceneID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderStatusPending, sc.RenderStatus)
	assert.Equal(t, first.TaskID, sc.CurrentTaskID)

	second := newTask(model.TargetScene, sceneID, course.ID)
	got, claimed, err = s.ClaimRender(ctx, second)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, first.TaskID, got.TaskID)

	_, err = s.GetRenderTask(ctx, second.TaskID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.ClaimRender(ctx, newTask(model.TargetScene, "missing", course.ID))
	assert.ErrorIs(t, err, ErrNotFound)
}

func testClaimRenderConcurrent(t *testing.T, s Store) {
	ctx := context.Background()
	course, content := seedModule(t, s, 1)
	sceneID := content.Scenes[0].ID

	const callers = 8
	var wg sync.WaitGroup
	ids := make([]string, callers)
	claims := make([]bool, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, claimed, err := s.ClaimRender(ctx, newTask(model.TargetScene, sceneID, course.ID))
			errs[i] = err
			if err == nil {
				ids[i] = got.TaskID
				claims[i] = claimed
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
		if claims[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	tasks, err := s.ListRenderTasks(ctx, model.TargetScene, sceneID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func testTransitionRender(t *testing.T, s Store) {
	ctx := context.Background()
	course, content := seedModule(t, s, 1)
	sceneID := content.Scenes[0].ID

	task := newTask(model.TargetScene, sceneID, course.ID)
	_, _, err := s.ClaimRender(ctx, task)
	require.NoError(t, err)

	// complete before start is rejected
	done := *task
	done.Status = model.RenderStatusSuccess
	assert.ErrorIs(t, s.TransitionRender(ctx, &done, model.RenderStatusRunning), ErrInvalidTransition)

	started := time.Now().UTC().Truncate(time.Millisecond)
	running := *task
	running.Status = model.RenderStatusRunning
	running.StartedAt = &started
	require.NoError(t, s.TransitionRender(ctx, &running, model.RenderStatusPending))

	sc, err := s.GetScene(ctx, sceneID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderStatusRunning, sc.RenderStatus)

	finished := started.Add(time.Second)
	done = running
	done.Status = model.RenderStatusSuccess
	done.CompletedAt = &finished
	done.Result = &model.RenderResult{OutputPath: "/out/scene.mp4", Duration: 4.5}
	require.NoError(t, s.TransitionRender(ctx, &done, model.RenderStatusRunning))

	sc, err = s.GetScene(ctx, sceneID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderStatusSuccess, sc.RenderStatus)
	assert.Equal(t, "/out/scene.mp4", sc.OutputPath)

	// terminal tasks are immutable
	again := done
	again.Status = model.RenderStatusFailure
	assert.ErrorIs(t, s.TransitionRender(ctx, &again, model.RenderStatusRunning), ErrInvalidTransition)

	stored, err := s.GetRenderTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderStatusSuccess, stored.Status)
	require.NotNil(t, stored.Result)
	assert.Equal(t, "/out/scene.mp4", stored.Result.OutputPath)

	// re-render gets a fresh task and clears the output
	rerender := newTask(model.TargetScene, sceneID, course.ID)
	_, claimed, err := s.ClaimRender(ctx, rerender)
	require.NoError(t, err)
	assert.True(t, claimed)
	sc, err = s.GetScene(ctx, sceneID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderStatusPending, sc.RenderStatus)
	assert.Empty(t, sc.OutputPath)

	tasks, err := s.ListRenderTasks(ctx, model.TargetScene, sceneID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, model.RenderStatusSuccess, tasks[0].Status)
}

func testStaleTask(t *testing.T, s Store) {
	ctx := context.Background()
	course, content := seedModule(t, s, 1)
	moduleID := content.Module.ID

	first := newTask(model.TargetModule, moduleID, course.ID)
	first.Inputs = []model.RenderInput{{SceneID: content.Scenes[0].ID, SceneNumber: 1, Path: "/a.mp4"}}
	_, _, err := s.ClaimRender(ctx, first)
	require.NoError(t, err)

	failed := *first
	failed.Status = model.RenderStatusFailure
	failed.Error = &model.TaskError{Kind: "RENDER_ERROR", Message: "boom"}
	require.NoError(t, s.TransitionRender(ctx, &failed, model.RenderStatusPending, model.RenderStatusRunning))

	second := newTask(model.TargetModule, moduleID, course.ID)
	second.CreatedAt = first.CreatedAt.Add(time.Millisecond)
	_, claimed, err := s.ClaimRender(ctx, second)
	require.NoError(t, err)
	require.True(t, claimed)

	m, err := s.GetModule(ctx, moduleID)
	require.NoError(t, err)
	assert.Equal(t, second.TaskID, m.CurrentTaskID)
	assert.Equal(t, model.RenderStatusPending, m.RenderStatus)

	stored, err := s.GetRenderTask(ctx, first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderStatusFailure, stored.Status)
	require.Len(t, stored.Inputs, 1)
	assert.Equal(t, "/a.mp4", stored.Inputs[0].Path)
}

func testListActive(t *testing.T, s Store) {
	ctx := context.Background()
	course, content := seedModule(t, s, 3)

	pending := newTask(model.TargetScene, content.Scenes[0].ID, course.ID)
	running := newTask(model.TargetScene, content.Scenes[1].ID, course.ID)
	running.CreatedAt = pending.CreatedAt.Add(time.Second)
	finished := newTask(model.TargetScene, content.Scenes[2].ID, course.ID)
	for _, task := range []*model.RenderTask{pending, running, finished} {
		_, claimed, err := s.ClaimRender(ctx, task)
		require.NoError(t, err)
		require.True(t, claimed)
	}

	started := time.Now().UTC().Truncate(time.Millisecond)
	r := *running
	r.Status = model.RenderStatusRunning
	r.StartedAt = &started
	require.NoError(t, s.TransitionRender(ctx, &r, model.RenderStatusPending))

	f := *finished
	f.Status = model.RenderStatusFailure
	f.CompletedAt = &started
	f.Error = &model.TaskError{Kind: "RENDER_ERROR", Message: "boom"}
	require.NoError(t, s.TransitionRender(ctx, &f, model.RenderStatusPending))

	active, err := s.ListActiveRenderTasks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, pending.TaskID, active[0].TaskID)
	assert.Equal(t, model.RenderStatusPending, active[0].Status)
	assert.Equal(t, running.TaskID, active[1].TaskID)
	assert.Equal(t, model.RenderStatusRunning, active[1].Status)
}
