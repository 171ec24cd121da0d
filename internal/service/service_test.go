package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeacourse/api/internal/apperr"
	"github.com/makeacourse/api/internal/auth"
	"github.com/makeacourse/api/internal/client"
	"github.com/makeacourse/api/internal/logger"
	"github.com/makeacourse/api/internal/model"
	"github.com/makeacourse/api/internal/store"
)

type fakeChat struct {
	mu      sync.Mutex
	calls   int
	respond func(call int, user string) (string, error)
}

func (f *fakeChat) CompleteJSON(_ context.Context, _, user string, _ int) (string, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()
	return f.respond(call, user)
}

func (f *fakeChat) IsConfigured() bool { return true }

type fakeVideos struct {
	queries []string
}

func (f *fakeVideos) SearchVideos(_ context.Context, query string, _ int) ([]string, error) {
	f.queries = append(f.queries, query)
	if strings.HasPrefix(query, "broken") {
		return nil, errors.New("search failed")
	}
	return []string{"https://videos/" + strings.ReplaceAll(query, " ", "-") + ".mp4"}, nil
}

func (f *fakeVideos) IsConfigured() bool { return true }

type fakeQueue struct {
	mu      sync.Mutex
	scenes  []model.SceneRenderJob
	modules []model.ModuleRenderJob
	err     error
}

func (q *fakeQueue) EnqueueScene(_ context.Context, job model.SceneRenderJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.scenes = append(q.scenes, job)
	return nil
}

func (q *fakeQueue) EnqueueModule(_ context.Context, job model.ModuleRenderJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.modules = append(q.modules, job)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []model.RenderStatus
}

func (n *fakeNotifier) NotifyTask(task *model.RenderTask) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, task.Status)
}

type failingGenerator struct {
	ContentGenerator
}

func (failingGenerator) Objectives(context.Context, *model.Course) ([]string, error) {
	return nil, errors.New("model unavailable")
}

func noRetry() client.RetryPolicy {
	return client.RetryPolicy{MaxAttempts: 3}
}

type fixture struct {
	store    *store.MemoryStore
	courses  *CourseService
	tracker  *Tracker
	render   *RenderService
	avatars  *AvatarService
	queue    *fakeQueue
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	log := logger.Nop()
	gen := NewGenerationService(nil, nil, noRetry(), log)
	f := &fixture{
		store:    st,
		queue:    &fakeQueue{},
		notifier: &fakeNotifier{},
	}
	f.courses = NewCourseService(st, gen, log)
	f.tracker = NewTracker(st, f.notifier, f.courses, log)
	f.render = NewRenderService(st, f.queue, f.tracker, f.courses, true, log)
	f.avatars = NewAvatarService(st, NewAvatarProvider(nil), nil, log)
	return f
}

func courseRequest() *model.CreateCourseRequest {
	return &model.CreateCourseRequest{
		Name:           "Intro to Go",
		Language:       model.LanguageEnglish,
		TargetAudience: "backend developers",
		ContentStyle:   model.StyleTechnical,
	}
}

func selectFirst(objectives []model.Objective, n int) *model.SelectObjectivesRequest {
	req := &model.SelectObjectivesRequest{}
	for i, o := range objectives {
		selected := i < n
		req.Objectives = append(req.Objectives, model.ObjectiveSelection{ID: o.ID, Selected: &selected})
	}
	return req
}

// readyCourse walks a course to MODULES_READY with n selected objectives.
func (f *fixture) readyCourse(t *testing.T, n int) (*model.Course, *model.GenerateModulesResponse) {
	t.Helper()
	ctx := context.Background()
	created, err := f.courses.CreateCourse(ctx, courseRequest())
	require.NoError(t, err)
	_, err = f.courses.SelectObjectives(ctx, created.Course.ID, selectFirst(created.Objectives, n))
	require.NoError(t, err)
	mods, err := f.courses.GenerateModules(ctx, created.Course.ID)
	require.NoError(t, err)
	return created.Course, mods
}

func (f *fixture) renderSceneOK(t *testing.T, sceneID string) *model.RenderTask {
	t.Helper()
	ctx := context.Background()
	h, err := f.render.RenderScene(ctx, sceneID)
	require.NoError(t, err)
	_, err = f.tracker.Start(ctx, h.TaskID)
	require.NoError(t, err)
	task, err := f.tracker.Complete(ctx, h.TaskID, &model.RenderResult{OutputPath: "/out/" + sceneID + ".mp4"})
	require.NoError(t, err)
	return task
}

func TestGenerationObjectivesRetriesUnusableOutput(t *testing.T) {
	chat := &fakeChat{respond: func(call int, _ string) (string, error) {
		if call == 0 {
			return "Sure! Here you go", nil
		}
		return "Here: {\"objectives\": [\"Explain goroutines\", \" \", \"Use channels\"]} hope it helps", nil
	}}
	gen := NewGenerationService(chat, nil, noRetry(), logger.Nop())

	objectives, err := gen.Objectives(context.Background(), &model.Course{Name: "Go"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Explain goroutines", "Use channels"}, objectives)
	assert.Equal(t, 2, chat.calls)
}

func TestGenerationExhaustionIsProviderFailure(t *testing.T) {
	chat := &fakeChat{respond: func(int, string) (string, error) {
		return "", &client.APIError{Provider: "chat", StatusCode: 503}
	}}
	gen := NewGenerationService(chat, nil, noRetry(), logger.Nop())

	_, err := gen.Objectives(context.Background(), &model.Course{Name: "Go"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindDependency))
	assert.Equal(t, 3, chat.calls)
}

func TestGenerationModulesRenumbersScenesAndAttachesBackgrounds(t *testing.T) {
	chat := &fakeChat{respond: func(_ int, user string) (string, error) {
		return `{"title": "Basics", "description": "d", "scenes": [
			{"scene_number": 4, "visual": "city skyline at night", "text": "a", "voiceover": "one"},
			{"scene_number": 9, "visual": "broken screen", "text": "b", "voiceover": "two"}]}`, nil
	}}
	videos := &fakeVideos{}
	gen := NewGenerationService(chat, videos, noRetry(), logger.Nop())

	objectives := []model.Objective{{ID: "o1", Text: "First"}, {ID: "o2", Text: "Second"}}
	modules, err := gen.Modules(context.Background(), &model.Course{Name: "Go"}, objectives)
	require.NoError(t, err)
	require.Len(t, modules, 2)

	assert.Equal(t, "o1", modules[0].ObjectiveID)
	assert.Equal(t, "o2", modules[1].ObjectiveID)
	for _, m := range modules {
		require.Len(t, m.Scenes, 2)
		assert.Equal(t, 1, m.Scenes[0].SceneNumber)
		assert.Equal(t, 2, m.Scenes[1].SceneNumber)
		assert.Equal(t, "https://videos/city-skyline-at-night.mp4", m.Scenes[0].BackgroundURL)
		assert.Empty(t, m.Scenes[1].BackgroundURL)
	}
}

func TestGenerationModulesFailsAsAWhole(t *testing.T) {
	chat := &fakeChat{respond: func(_ int, user string) (string, error) {
		if strings.Contains(user, "Second") {
			return `{"title": "", "scenes": []}`, nil
		}
		return `{"title": "ok", "scenes": [{"visual": "v", "text": "t", "voiceover": "x"}]}`, nil
	}}
	gen := NewGenerationService(chat, nil, noRetry(), logger.Nop())

	objectives := []model.Objective{{ID: "o1", Text: "First"}, {ID: "o2", Text: "Second"}}
	modules, err := gen.Modules(context.Background(), &model.Course{}, objectives)
	require.Error(t, err)
	assert.Nil(t, modules)
}

func TestParseQuizMapsCorrectAnswer(t *testing.T) {
	var result quizResponse
	result.Questions = append(result.Questions, struct {
		Question      string   `json:"question"`
		Options       []string `json:"options"`
		CorrectAnswer string   `json:"correct_answer"`
		Explanation   string   `json:"explanation"`
	}{
		Question:      "What is a goroutine?",
		Options:       []string{"A. A thread", "B) A lightweight thread", "C. A channel", "D: A mutex"},
		CorrectAnswer: "b",
	})

	quiz, err := parseQuiz(result, "Concurrency")
	require.NoError(t, err)
	assert.Equal(t, "Knowledge Check: Concurrency", quiz.Title)
	require.Len(t, quiz.Questions, 1)
	opts := quiz.Questions[0].Options
	require.Len(t, opts, 4)
	assert.Equal(t, "A thread", opts[0].Text)
	assert.Equal(t, "A lightweight thread", opts[1].Text)
	assert.Equal(t, "A mutex", opts[3].Text)
	assert.False(t, opts[0].IsCorrect)
	assert.True(t, opts[1].IsCorrect)

	result.Questions[0].CorrectAnswer = "E"
	_, err = parseQuiz(result, "Concurrency")
	assert.Error(t, err)
}

func TestCourseLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.courses.CreateCourse(ctx, courseRequest())
	require.NoError(t, err)
	assert.Equal(t, model.StageObjectivesReady, created.Course.Stage)
	require.Len(t, created.Objectives, 5)
	for i, o := range created.Objectives {
		assert.Equal(t, i, o.Order)
	}

	selected, err := f.courses.SelectObjectives(ctx, created.Course.ID, selectFirst(created.Objectives, 3))
	require.NoError(t, err)
	assert.Equal(t, model.StageObjectivesSelected, selected.Stage)

	// re-selection is allowed before modules exist
	_, err = f.courses.SelectObjectives(ctx, created.Course.ID, selectFirst(created.Objectives, 2))
	require.NoError(t, err)

	mods, err := f.courses.GenerateModules(ctx, created.Course.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageModulesReady, mods.Stage)
	require.Len(t, mods.Modules, 2)
	assert.Equal(t, 10, mods.SceneCount)

	detail, err := f.courses.GetCourse(ctx, created.Course.ID)
	require.NoError(t, err)
	require.Len(t, detail.Modules, 2)
	assert.Equal(t, created.Objectives[0].ID, detail.Modules[0].ObjectiveID)
	for _, m := range detail.Modules {
		for i, sc := range m.Scenes {
			assert.Equal(t, i+1, sc.SceneNumber)
			assert.Equal(t, model.RenderStatusNone, sc.RenderStatus)
		}
	}

	_, err = f.courses.GenerateModules(ctx, created.Course.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))

	_, err = f.courses.SelectObjectives(ctx, created.Course.ID, selectFirst(created.Objectives, 1))
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestSelectObjectivesValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.courses.CreateCourse(ctx, courseRequest())
	require.NoError(t, err)
	id := created.Course.ID

	_, err = f.courses.SelectObjectives(ctx, id, selectFirst(created.Objectives, 0))
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	yes := true
	_, err = f.courses.SelectObjectives(ctx, id, &model.SelectObjectivesRequest{
		Objectives: []model.ObjectiveSelection{{ID: "nope", Selected: &yes}},
	})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	dup := model.ObjectiveSelection{ID: created.Objectives[0].ID, Selected: &yes}
	_, err = f.courses.SelectObjectives(ctx, id, &model.SelectObjectivesRequest{
		Objectives: []model.ObjectiveSelection{dup, dup},
	})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	// nothing was committed by the failed calls
	course, err := f.store.GetCourse(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StageObjectivesReady, course.Stage)

	_, err = f.courses.GenerateModules(ctx, id)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindInvalidState, appErr.Kind)
	assert.Equal(t, []string{string(model.StageObjectivesSelected)}, appErr.Details.(apperr.StateDetails).Required)
}

func TestCreateCourseGenerationFailureLeavesDraft(t *testing.T) {
	st := store.NewMemoryStore()
	courses := NewCourseService(st, failingGenerator{}, logger.Nop())
	ctx := context.Background()

	_, err := courses.CreateCourse(ctx, courseRequest())
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindDependency, appErr.Kind)
	details := appErr.Details.(map[string]string)
	require.NotEmpty(t, details["course_id"])

	course, err := st.GetCourse(ctx, details["course_id"])
	require.NoError(t, err)
	assert.Equal(t, model.StageDraft, course.Stage)

	objectives, err := st.ListObjectives(ctx, course.ID)
	require.NoError(t, err)
	assert.Empty(t, objectives)

	courses.gen = NewGenerationService(nil, nil, noRetry(), logger.Nop())
	retried, err := courses.GenerateObjectives(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageObjectivesReady, retried.Course.Stage)

	_, err = courses.GenerateObjectives(ctx, course.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestAssignAvatar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	avatar, err := f.avatars.CreateAvatar(ctx, "Ada", &AvatarImage{ContentType: "image/png", Data: []byte("\x89PNG\r\n\x1a\nrest")})
	require.NoError(t, err)
	assert.Equal(t, model.TrainingStatusTraining, avatar.TrainingStatus)

	created, err := f.courses.CreateCourse(ctx, courseRequest())
	require.NoError(t, err)

	_, err = f.courses.AssignAvatar(ctx, created.Course.ID, avatar.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState), "avatar still training")

	status, err := f.avatars.GetTrainingStatus(ctx, avatar.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TrainingStatusReady, status.TrainingStatus)

	_, err = f.courses.AssignAvatar(ctx, created.Course.ID, avatar.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState), "course before MODULES_READY")

	course, _ := f.readyCourse(t, 1)
	updated, err := f.courses.AssignAvatar(ctx, course.ID, avatar.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageModulesReady, updated.Stage)
	assert.Contains(t, updated.Milestones(), model.MilestoneAvatarAssigned)

	_, err = f.courses.AssignAvatar(ctx, course.ID, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestKnowledgeCheckMilestone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course, mods := f.readyCourse(t, 2)

	kc, err := f.courses.GenerateKnowledgeCheck(ctx, mods.Modules[0].ID)
	require.NoError(t, err)
	require.Len(t, kc.Questions, 5)
	for _, q := range kc.Questions {
		assert.Len(t, q.Options, 4)
	}

	stored, err := f.store.GetCourse(ctx, course.ID)
	require.NoError(t, err)
	assert.False(t, stored.KnowledgeChecksReady)

	_, err = f.courses.GenerateKnowledgeCheck(ctx, mods.Modules[1].ID)
	require.NoError(t, err)
	stored, err = f.store.GetCourse(ctx, course.ID)
	require.NoError(t, err)
	assert.True(t, stored.KnowledgeChecksReady)
	assert.Equal(t, model.StageModulesReady, stored.Stage)

	got, err := f.courses.GetKnowledgeCheck(ctx, mods.Modules[1].ID)
	require.NoError(t, err)
	assert.Equal(t, mods.Modules[1].ID, got.ModuleID)

	_, err = f.courses.GetKnowledgeCheck(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRenderSceneDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course, mods := f.readyCourse(t, 1)
	sceneID := mods.Modules[0].Scenes[0].ID

	first, err := f.render.RenderScene(ctx, sceneID)
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)
	assert.Equal(t, model.RenderStatusPending, first.Status)

	second, err := f.render.RenderScene(ctx, sceneID)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Len(t, f.queue.scenes, 1)

	stored, err := f.store.GetCourse(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageRendering, stored.Stage)

	_, err = f.render.RenderScene(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRenderSceneConflictWhenDedupDisabled(t *testing.T) {
	f := newFixture(t)
	f.render.dedup = false
	ctx := context.Background()
	_, mods := f.readyCourse(t, 1)
	sceneID := mods.Modules[0].Scenes[0].ID

	_, err := f.render.RenderScene(ctx, sceneID)
	require.NoError(t, err)
	_, err = f.render.RenderScene(ctx, sceneID)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestRenderModuleRequiresEveryScene(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, mods := f.readyCourse(t, 1)
	module := mods.Modules[0]

	for _, sc := range module.Scenes[:4] {
		f.renderSceneOK(t, sc.ID)
	}
	pending, err := f.render.RenderScene(ctx, module.Scenes[4].ID)
	require.NoError(t, err)

	_, err = f.render.RenderModule(ctx, module.ID)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindDependency, appErr.Kind)
	assert.Equal(t, []string{module.Scenes[4].ID}, appErr.Details.(map[string]interface{})["scene_ids"])

	tasks, err := f.tracker.ListTasks(ctx, model.TargetModule, module.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	_, err = f.tracker.Start(ctx, pending.TaskID)
	require.NoError(t, err)
	_, err = f.tracker.Complete(ctx, pending.TaskID, &model.RenderResult{OutputPath: "/out/last.mp4"})
	require.NoError(t, err)

	h, err := f.render.RenderModule(ctx, module.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, h.SceneCount)
	require.Len(t, f.queue.modules, 1)
	job := f.queue.modules[0]
	assert.Equal(t, h.TaskID, job.TaskID)
	for i, in := range job.Inputs {
		assert.Equal(t, i+1, in.SceneNumber)
		assert.Equal(t, module.Scenes[i].ID, in.SceneID)
	}
	assert.Equal(t, "/out/last.mp4", job.Inputs[4].Path)
}

func TestTrackerTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, mods := f.readyCourse(t, 1)
	sceneID := mods.Modules[0].Scenes[0].ID

	_, err := f.tracker.GetStatus(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	h, err := f.render.RenderScene(ctx, sceneID)
	require.NoError(t, err)

	_, err = f.tracker.Complete(ctx, h.TaskID, &model.RenderResult{OutputPath: "x"})
	assert.True(t, apperr.Is(err, apperr.KindInvalidState), "complete before start")

	_, err = f.tracker.Start(ctx, h.TaskID)
	require.NoError(t, err)
	scene, err := f.store.GetScene(ctx, sceneID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderStatusRunning, scene.RenderStatus)

	_, err = f.tracker.Fail(ctx, h.TaskID, apperr.Render("ffmpeg exited", errors.New("exit status 1")))
	require.NoError(t, err)

	first, err := f.tracker.GetStatus(ctx, h.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderStatusFailure, first.Status)
	require.NotNil(t, first.Error)
	assert.Equal(t, string(apperr.KindRender), first.Error.Kind)

	_, err = f.tracker.Complete(ctx, h.TaskID, &model.RenderResult{OutputPath: "x"})
	assert.True(t, apperr.Is(err, apperr.KindInvalidState), "terminal task is immutable")

	again, err := f.tracker.GetStatus(ctx, h.TaskID)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// re-render after failure is a new task
	retry, err := f.render.RenderScene(ctx, sceneID)
	require.NoError(t, err)
	assert.NotEqual(t, h.TaskID, retry.TaskID)
	assert.False(t, retry.Deduplicated)

	tasks, err := f.tracker.ListTasks(ctx, model.TargetScene, sceneID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, model.RenderStatusFailure, tasks[0].Status)
	assert.Equal(t, model.RenderStatusPending, tasks[1].Status)

	assert.Equal(t, []model.RenderStatus{model.RenderStatusRunning, model.RenderStatusFailure}, f.notifier.events)

	_, err = f.tracker.ListTasks(ctx, "VIDEO", sceneID)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestEnqueueFailureFailsTask(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("redis down")
	ctx := context.Background()
	_, mods := f.readyCourse(t, 1)
	sceneID := mods.Modules[0].Scenes[0].ID

	_, err := f.render.RenderScene(ctx, sceneID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindDependency))

	scene, err := f.store.GetScene(ctx, sceneID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderStatusFailure, scene.RenderStatus)

	f.queue.err = nil
	h, err := f.render.RenderScene(ctx, sceneID)
	require.NoError(t, err)
	assert.False(t, h.Deduplicated)
}

func TestFailOrphanedReleasesTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, mods := f.readyCourse(t, 1)
	scenes := mods.Modules[0].Scenes

	queued, err := f.render.RenderScene(ctx, scenes[0].ID)
	require.NoError(t, err)
	running, err := f.render.RenderScene(ctx, scenes[1].ID)
	require.NoError(t, err)
	_, err = f.tracker.Start(ctx, running.TaskID)
	require.NoError(t, err)
	done := f.renderSceneOK(t, scenes[2].ID)

	// queued jobs survive in the broker; only RUNNING tasks are lost
	n, err := f.tracker.FailOrphaned(ctx, model.RenderStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err := f.tracker.GetStatus(ctx, running.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderStatusFailure, status.Status)
	require.NotNil(t, status.Error)
	assert.Equal(t, string(apperr.KindRender), status.Error.Kind)
	assert.Contains(t, status.Error.Message, "interrupted")

	status, err = f.tracker.GetStatus(ctx, queued.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderStatusPending, status.Status)

	// an in-process queue loses everything
	n, err = f.tracker.FailOrphaned(ctx, model.RenderStatusPending, model.RenderStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err = f.tracker.GetStatus(ctx, done.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderStatusSuccess, status.Status)

	// the targets can be rendered again instead of deduplicating onto a dead task
	for _, sc := range scenes[:2] {
		h, err := f.render.RenderScene(ctx, sc.ID)
		require.NoError(t, err)
		assert.False(t, h.Deduplicated)
	}

	n, err = f.tracker.FailOrphaned(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCourseRenderedWhenEveryModuleSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course, mods := f.readyCourse(t, 2)

	for i, m := range mods.Modules {
		for _, sc := range m.Scenes {
			f.renderSceneOK(t, sc.ID)
		}
		h, err := f.render.RenderModule(ctx, m.ID)
		require.NoError(t, err)
		_, err = f.tracker.Start(ctx, h.TaskID)
		require.NoError(t, err)
		_, err = f.tracker.Complete(ctx, h.TaskID, &model.RenderResult{OutputPath: "/out/" + m.ID + ".mp4", SceneCount: 5})
		require.NoError(t, err)

		stored, err := f.store.GetCourse(ctx, course.ID)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, model.StageRendering, stored.Stage)
		} else {
			assert.Equal(t, model.StageRendered, stored.Stage)
		}
	}
}

func TestCreatorIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := auth.WithUser(context.Background(), "user-42")

	created, err := f.courses.CreateCourse(ctx, courseRequest())
	require.NoError(t, err)
	assert.Equal(t, "user-42", created.Course.CreatedBy)

	stored, err := f.store.GetCourse(ctx, created.Course.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-42", stored.CreatedBy)

	avatar, err := f.avatars.CreateAvatar(ctx, "Ada", &AvatarImage{ContentType: "image/png", Data: []byte("\x89PNG\r\n\x1a\nrest")})
	require.NoError(t, err)
	assert.Equal(t, "user-42", avatar.CreatedBy)

	// anonymous callers leave it empty
	anon, err := f.courses.CreateCourse(context.Background(), courseRequest())
	require.NoError(t, err)
	assert.Empty(t, anon.Course.CreatedBy)
}

func TestCreateAvatarValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.avatars.CreateAvatar(ctx, "", &AvatarImage{ContentType: "image/png", Data: []byte("x")})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.avatars.CreateAvatar(ctx, "Ada", nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.avatars.CreateAvatar(ctx, "Ada", &AvatarImage{ContentType: "image/png", Data: make([]byte, MaxAvatarImageSize+1)})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.avatars.CreateAvatar(ctx, "Ada", &AvatarImage{ContentType: "text/plain", Data: []byte("hello world")})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	avatars, err := f.avatars.ListAvatars(ctx)
	require.NoError(t, err)
	assert.Empty(t, avatars)
}

type rejectingProvider struct{}

func (rejectingProvider) CreateAvatar(context.Context, string, string, string, []byte) (string, error) {
	return "", &client.APIError{Provider: "heygen", StatusCode: 400, Body: "bad image"}
}

func (rejectingProvider) TrainingStatus(context.Context, string) (string, error) {
	return "", errors.New("unused")
}

func TestCreateAvatarProviderFailureStoresNothing(t *testing.T) {
	st := store.NewMemoryStore()
	avatars := NewAvatarService(st, rejectingProvider{}, nil, logger.Nop())

	_, err := avatars.CreateAvatar(context.Background(), "Ada", &AvatarImage{ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}})
	assert.True(t, apperr.Is(err, apperr.KindDependency))

	list, err := st.ListAvatars(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMapTrainingStatus(t *testing.T) {
	assert.Equal(t, model.TrainingStatusTraining, mapTrainingStatus("pending"))
	assert.Equal(t, model.TrainingStatusTraining, mapTrainingStatus("processing"))
	assert.Equal(t, model.TrainingStatusReady, mapTrainingStatus("Completed"))
	assert.Equal(t, model.TrainingStatusFailed, mapTrainingStatus("error"))
}
