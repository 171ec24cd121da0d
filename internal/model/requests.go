package model

// CreateCourseRequest represents the body of POST /api/courses
type CreateCourseRequest struct {
	Name           string       `json:"name" validate:"required,min=1,max=255"`
	Language       Language     `json:"language" validate:"required,oneof=en es fr de zh ja ru ar hi pt"`
	TargetAudience string       `json:"target_audience" validate:"required,min=1,max=255"`
	ContentStyle   ContentStyle `json:"content_style" validate:"required,oneof=formal conversational technical creative motivational"`
	ReferenceText  string       `json:"reference_text" validate:"omitempty,max=20000"`
}

// ObjectiveSelection toggles one objective
type ObjectiveSelection struct {
	ID       string `json:"id" validate:"required"`
	Selected *bool  `json:"selected" validate:"required"`
}

// SelectObjectivesRequest represents the body of PATCH /api/courses/:id/select-objectives
type SelectObjectivesRequest struct {
	Objectives []ObjectiveSelection `json:"objectives" validate:"required,min=1,dive"`
}

// AssignAvatarRequest represents the body of PATCH /api/courses/:id/avatar
type AssignAvatarRequest struct {
	AvatarID string `json:"avatar_id" validate:"required"`
}

// CourseDetail is the full read model of a course
type CourseDetail struct {
	Course
	Milestones []string       `json:"milestones"`
	Objectives []Objective    `json:"objectives"`
	Modules    []ModuleDetail `json:"modules"`
}

// ModuleDetail is a module with its ordered scenes and optional quiz
type ModuleDetail struct {
	Module
	Scenes         []Scene         `json:"scenes"`
	KnowledgeCheck *KnowledgeCheck `json:"knowledge_check,omitempty"`
}

// CreateCourseResponse is returned by course creation
type CreateCourseResponse struct {
	Course     *Course     `json:"course"`
	Objectives []Objective `json:"objectives"`
}

// GenerateModulesResponse is returned by module generation
type GenerateModulesResponse struct {
	CourseID   string         `json:"course_id"`
	Stage      CourseStage    `json:"stage"`
	Modules    []ModuleDetail `json:"modules"`
	SceneCount int            `json:"scene_count"`
}

// AvatarTrainingResponse reports an avatar's training state
type AvatarTrainingResponse struct {
	AvatarID       string         `json:"avatar_id"`
	TrainingStatus TrainingStatus `json:"training_status"`
}
