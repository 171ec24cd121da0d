package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/makeacourse/api/internal/apperr"
	"github.com/makeacourse/api/internal/auth"
	"github.com/makeacourse/api/internal/logger"
	"github.com/makeacourse/api/internal/model"
	"github.com/makeacourse/api/internal/store"
)

// CourseService drives a course through its production stages
type CourseService struct {
	store store.Store
	gen   ContentGenerator
	log   *logger.Logger
	now   func() time.Time
}

func NewCourseService(st store.Store, gen ContentGenerator, log *logger.Logger) *CourseService {
	return &CourseService{
		store: st,
		gen:   gen,
		log:   log,
		now:   time.Now,
	}
}

// storeErr translates store sentinels into typed errors. Errors that are
// already typed pass through.
func storeErr(err error, entity, id string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(entity, id)
	case errors.Is(err, store.ErrStageConflict):
		return apperr.Conflict("course stage changed concurrently", map[string]string{entity + "_id": id})
	case errors.Is(err, store.ErrModulesExist):
		return apperr.Conflict("course already has modules", map[string]string{entity + "_id": id})
	case errors.Is(err, store.ErrInvalidTransition):
		return apperr.InvalidState("render task is not in the expected status", "")
	}
	return apperr.Internal("storage failure", err)
}

// CreateCourse persists a DRAFT course and generates its objectives. When
// generation fails the course remains in DRAFT and can be retried with
// GenerateObjectives.
func (s *CourseService) CreateCourse(ctx context.Context, req *model.CreateCourseRequest) (*model.CreateCourseResponse, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.TargetAudience) == "" {
		return nil, apperr.Validation("name and target_audience are required", nil)
	}

	now := s.now()
	course := &model.Course{
		ID:             uuid.New().String(),
		Name:           strings.TrimSpace(req.Name),
		Language:       req.Language,
		TargetAudience: strings.TrimSpace(req.TargetAudience),
		ContentStyle:   req.ContentStyle,
		ReferenceText:  req.ReferenceText,
		Stage:          model.StageDraft,
		CreatedBy:      auth.UserFrom(ctx),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateCourse(ctx, course); err != nil {
		return nil, storeErr(err, "course", course.ID)
	}
	s.log.Info("course created", "course_id", course.ID, "language", course.Language, "created_by", course.CreatedBy)

	return s.generateObjectives(ctx, course)
}

// GenerateObjectives retries objective generation for a course left in DRAFT.
func (s *CourseService) GenerateObjectives(ctx context.Context, courseID string) (*model.CreateCourseResponse, error) {
	course, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, storeErr(err, "course", courseID)
	}
	if course.Stage != model.StageDraft {
		return nil, apperr.InvalidState("objectives can only be generated for a draft course",
			string(course.Stage), string(model.StageDraft))
	}
	return s.generateObjectives(ctx, course)
}

func (s *CourseService) generateObjectives(ctx context.Context, course *model.Course) (*model.CreateCourseResponse, error) {
	texts, err := s.gen.Objectives(ctx, course)
	if err != nil {
		s.log.Error("objective generation failed", "course_id", course.ID, "error", err)
		return nil, apperr.ProviderFailure("objective generation failed",
			map[string]string{"course_id": course.ID}, err)
	}

	objectives := make([]model.Objective, len(texts))
	for i, text := range texts {
		objectives[i] = model.Objective{
			ID:       uuid.New().String(),
			CourseID: course.ID,
			Text:     text,
			Order:    i,
		}
	}

	updated := *course
	updated.Advance(model.StageObjectivesReady, s.now())
	if err := s.store.SaveObjectives(ctx, &updated, objectives, model.StageDraft); err != nil {
		return nil, storeErr(err, "course", course.ID)
	}
	s.log.Info("objectives generated", "course_id", course.ID, "count", len(objectives))

	return &model.CreateCourseResponse{Course: &updated, Objectives: objectives}, nil
}

// GetCourse returns the course with its objectives, modules, scenes and
// knowledge checks, all in order.
func (s *CourseService) GetCourse(ctx context.Context, courseID string) (*model.CourseDetail, error) {
	course, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, storeErr(err, "course", courseID)
	}
	objectives, err := s.store.ListObjectives(ctx, courseID)
	if err != nil {
		return nil, storeErr(err, "course", courseID)
	}
	modules, err := s.moduleDetails(ctx, courseID)
	if err != nil {
		return nil, err
	}
	return &model.CourseDetail{
		Course:     *course,
		Milestones: course.Milestones(),
		Objectives: objectives,
		Modules:    modules,
	}, nil
}

func (s *CourseService) moduleDetails(ctx context.Context, courseID string) ([]model.ModuleDetail, error) {
	modules, err := s.store.ListModules(ctx, courseID)
	if err != nil {
		return nil, storeErr(err, "course", courseID)
	}
	out := make([]model.ModuleDetail, 0, len(modules))
	for _, m := range modules {
		scenes, err := s.store.ListScenes(ctx, m.ID)
		if err != nil {
			return nil, storeErr(err, "module", m.ID)
		}
		detail := model.ModuleDetail{Module: m, Scenes: scenes}
		kc, err := s.store.GetKnowledgeCheck(ctx, m.ID)
		switch {
		case err == nil:
			detail.KnowledgeCheck = kc
		case !errors.Is(err, store.ErrNotFound):
			return nil, storeErr(err, "module", m.ID)
		}
		out = append(out, detail)
	}
	return out, nil
}

// SelectObjectives applies the selection flags and moves the course to
// OBJECTIVES_SELECTED. Re-selection is allowed until modules are generated.
func (s *CourseService) SelectObjectives(ctx context.Context, courseID string, req *model.SelectObjectivesRequest) (*model.CourseDetail, error) {
	course, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, storeErr(err, "course", courseID)
	}
	if course.Stage != model.StageObjectivesReady && course.Stage != model.StageObjectivesSelected {
		return nil, apperr.InvalidState("objectives can no longer be selected", string(course.Stage),
			string(model.StageObjectivesReady), string(model.StageObjectivesSelected))
	}

	objectives, err := s.store.ListObjectives(ctx, courseID)
	if err != nil {
		return nil, storeErr(err, "course", courseID)
	}
	index := make(map[string]int, len(objectives))
	for i, o := range objectives {
		index[o.ID] = i
	}

	seen := make(map[string]bool, len(req.Objectives))
	for _, sel := range req.Objectives {
		if sel.Selected == nil {
			return nil, apperr.Validation("every selection needs a selected flag", map[string]string{"id": sel.ID})
		}
		if seen[sel.ID] {
			return nil, apperr.Validation("objective listed more than once", map[string]string{"id": sel.ID})
		}
		seen[sel.ID] = true
		if _, ok := index[sel.ID]; !ok {
			return nil, apperr.NotFound("objective", sel.ID)
		}
	}

	for _, sel := range req.Objectives {
		objectives[index[sel.ID]].Selected = *sel.Selected
	}
	selected := 0
	for _, o := range objectives {
		if o.Selected {
			selected++
		}
	}
	if selected == 0 {
		return nil, apperr.Validation("at least one objective must be selected", nil)
	}

	updated := *course
	updated.Advance(model.StageObjectivesSelected, s.now())
	if err := s.store.SaveObjectives(ctx, &updated, objectives,
		model.StageObjectivesReady, model.StageObjectivesSelected); err != nil {
		return nil, storeErr(err, "course", courseID)
	}
	s.log.Info("objectives selected", "course_id", courseID, "selected", selected)

	return &model.CourseDetail{
		Course:     updated,
		Milestones: updated.Milestones(),
		Objectives: objectives,
		Modules:    []model.ModuleDetail{},
	}, nil
}

// GenerateModules builds one module per selected objective and stores every
// module and scene in one atomic write.
func (s *CourseService) GenerateModules(ctx context.Context, courseID string) (*model.GenerateModulesResponse, error) {
	course, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, storeErr(err, "course", courseID)
	}
	if course.Stage != model.StageObjectivesSelected {
		return nil, apperr.InvalidState("modules can only be generated once objectives are selected",
			string(course.Stage), string(model.StageObjectivesSelected))
	}

	objectives, err := s.store.ListObjectives(ctx, courseID)
	if err != nil {
		return nil, storeErr(err, "course", courseID)
	}
	var selected []model.Objective
	for _, o := range objectives {
		if o.Selected {
			selected = append(selected, o)
		}
	}
	if len(selected) == 0 {
		return nil, apperr.Validation("at least one objective must be selected", nil)
	}

	generated, err := s.gen.Modules(ctx, course, selected)
	if err != nil {
		s.log.Error("module generation failed", "course_id", courseID, "error", err)
		return nil, apperr.ProviderFailure("module generation failed",
			map[string]string{"course_id": courseID}, err)
	}

	content := make([]model.ModuleContent, 0, len(generated))
	resp := &model.GenerateModulesResponse{CourseID: courseID}
	for i, gm := range generated {
		mod := model.Module{
			ID:           uuid.New().String(),
			CourseID:     courseID,
			ObjectiveID:  gm.ObjectiveID,
			Title:        gm.Title,
			Description:  gm.Description,
			Order:        i,
			RenderStatus: model.RenderStatusNone,
		}
		scenes := make([]model.Scene, 0, len(gm.Scenes))
		for _, gs := range gm.Scenes {
			scenes = append(scenes, model.Scene{
				ID:                 uuid.New().String(),
				ModuleID:           mod.ID,
				SceneNumber:        gs.SceneNumber,
				VisualDescription:  gs.Visual,
				OnScreenText:       gs.Text,
				VoiceoverText:      gs.Voiceover,
				BackgroundVideoURL: gs.BackgroundURL,
				RenderStatus:       model.RenderStatusNone,
			})
		}
		content = append(content, model.ModuleContent{Module: mod, Scenes: scenes})
		resp.Modules = append(resp.Modules, model.ModuleDetail{Module: mod, Scenes: scenes})
		resp.SceneCount += len(scenes)
	}

	updated := *course
	updated.Advance(model.StageModulesReady, s.now())
	if err := s.store.SaveModules(ctx, &updated, content, model.StageObjectivesSelected); err != nil {
		return nil, storeErr(err, "course", courseID)
	}
	resp.Stage = updated.Stage
	s.log.Info("modules generated", "course_id", courseID, "modules", len(content), "scenes", resp.SceneCount)

	return resp, nil
}

// AssignAvatar attaches a trained avatar to the course. The primary stage is
// left unchanged.
func (s *CourseService) AssignAvatar(ctx context.Context, courseID, avatarID string) (*model.Course, error) {
	avatar, err := s.store.GetAvatar(ctx, avatarID)
	if err != nil {
		return nil, storeErr(err, "avatar", avatarID)
	}
	if avatar.TrainingStatus != model.TrainingStatusReady {
		return nil, apperr.InvalidState("avatar is not ready", string(avatar.TrainingStatus),
			string(model.TrainingStatusReady))
	}

	course, err := s.store.UpdateCourse(ctx, courseID, func(c *model.Course) error {
		if !c.Stage.AtLeast(model.StageModulesReady) {
			return apperr.InvalidState("an avatar can only be assigned once modules exist",
				string(c.Stage), string(model.StageModulesReady))
		}
		c.AvatarID = avatar.ID
		c.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "course", courseID)
	}
	s.log.Info("avatar assigned", "course_id", courseID, "avatar_id", avatarID)
	return course, nil
}

// GenerateKnowledgeCheck writes a fresh quiz for the module, replacing any
// previous one.
func (s *CourseService) GenerateKnowledgeCheck(ctx context.Context, moduleID string) (*model.KnowledgeCheck, error) {
	module, err := s.store.GetModule(ctx, moduleID)
	if err != nil {
		return nil, storeErr(err, "module", moduleID)
	}
	course, err := s.store.GetCourse(ctx, module.CourseID)
	if err != nil {
		return nil, storeErr(err, "course", module.CourseID)
	}
	if !course.Stage.AtLeast(model.StageModulesReady) {
		return nil, apperr.InvalidState("knowledge checks need generated modules",
			string(course.Stage), string(model.StageModulesReady))
	}
	scenes, err := s.store.ListScenes(ctx, moduleID)
	if err != nil {
		return nil, storeErr(err, "module", moduleID)
	}

	quiz, err := s.gen.KnowledgeCheck(ctx, course, module, scenes)
	if err != nil {
		s.log.Error("knowledge check generation failed", "module_id", moduleID, "error", err)
		return nil, apperr.ProviderFailure("knowledge check generation failed",
			map[string]string{"module_id": moduleID}, err)
	}

	kc := &model.KnowledgeCheck{
		ModuleID:  moduleID,
		Title:     quiz.Title,
		Questions: quiz.Questions,
		CreatedAt: s.now(),
	}
	if err := s.store.SaveKnowledgeCheck(ctx, kc); err != nil {
		return nil, storeErr(err, "module", moduleID)
	}

	if err := s.refreshKnowledgeMilestone(ctx, course.ID); err != nil {
		return nil, err
	}
	return kc, nil
}

// GetKnowledgeCheck returns the module's current quiz.
func (s *CourseService) GetKnowledgeCheck(ctx context.Context, moduleID string) (*model.KnowledgeCheck, error) {
	if _, err := s.store.GetModule(ctx, moduleID); err != nil {
		return nil, storeErr(err, "module", moduleID)
	}
	kc, err := s.store.GetKnowledgeCheck(ctx, moduleID)
	if err != nil {
		return nil, storeErr(err, "knowledge check", moduleID)
	}
	return kc, nil
}

func (s *CourseService) refreshKnowledgeMilestone(ctx context.Context, courseID string) error {
	modules, err := s.store.ListModules(ctx, courseID)
	if err != nil {
		return storeErr(err, "course", courseID)
	}
	for _, m := range modules {
		if _, err := s.store.GetKnowledgeCheck(ctx, m.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return storeErr(err, "module", m.ID)
		}
	}
	_, err = s.store.UpdateCourse(ctx, courseID, func(c *model.Course) error {
		if !c.KnowledgeChecksReady {
			c.KnowledgeChecksReady = true
			c.UpdatedAt = s.now()
		}
		return nil
	})
	return storeErr(err, "course", courseID)
}

// MarkRendering records that rendering has begun for the course.
func (s *CourseService) MarkRendering(ctx context.Context, courseID string) error {
	_, err := s.store.UpdateCourse(ctx, courseID, func(c *model.Course) error {
		if c.Stage == model.StageModulesReady {
			c.Advance(model.StageRendering, s.now())
		}
		return nil
	})
	return storeErr(err, "course", courseID)
}

// MarkRendered moves the course to RENDERED once every module has rendered
// successfully.
func (s *CourseService) MarkRendered(ctx context.Context, courseID string) error {
	modules, err := s.store.ListModules(ctx, courseID)
	if err != nil {
		return storeErr(err, "course", courseID)
	}
	if len(modules) == 0 {
		return nil
	}
	for _, m := range modules {
		if m.RenderStatus != model.RenderStatusSuccess {
			return nil
		}
	}
	_, err = s.store.UpdateCourse(ctx, courseID, func(c *model.Course) error {
		if c.Advance(model.StageRendered, s.now()) {
			s.log.Info("course rendered", "course_id", courseID)
		}
		return nil
	})
	return storeErr(err, "course", courseID)
}
