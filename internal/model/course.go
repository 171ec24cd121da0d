package model

import "time"

// Course is the root entity of the production pipeline
type Course struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Language             Language     `json:"language"`
	TargetAudience       string       `json:"target_audience"`
	ContentStyle         ContentStyle `json:"content_style"`
	ReferenceText        string       `json:"reference_text,omitempty"`
	Stage                CourseStage  `json:"stage"`
	AvatarID             string       `json:"avatar_id,omitempty"`
	KnowledgeChecksReady bool         `json:"knowledge_checks_ready"`
	CreatedBy            string       `json:"created_by,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// Milestones lists the optional milestones the course has reached.
func (c *Course) Milestones() []string {
	out := []string{}
	if c.AvatarID != "" {
		out = append(out, MilestoneAvatarAssigned)
	}
	if c.KnowledgeChecksReady {
		out = append(out, MilestoneKnowledgeChecksReady)
	}
	return out
}

// Advance moves the course to stage if it is strictly later than the current one.
// It returns false when the move would not be forward.
func (c *Course) Advance(stage CourseStage, now time.Time) bool {
	if stage.Rank() <= c.Stage.Rank() {
		return false
	}
	c.Stage = stage
	c.UpdatedAt = now
	return true
}

// Objective is a candidate learning objective of a course
type Objective struct {
	ID       string `json:"id"`
	CourseID string `json:"course_id"`
	Text     string `json:"text"`
	Order    int    `json:"order"`
	Selected bool   `json:"selected"`
}

// Module is one unit of a course, generated from a selected objective
type Module struct {
	ID            string       `json:"id"`
	CourseID      string       `json:"course_id"`
	ObjectiveID   string       `json:"objective_id,omitempty"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Order         int          `json:"order"`
	RenderStatus  RenderStatus `json:"render_status"`
	OutputPath    string       `json:"output_path,omitempty"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
}

// Scene is the smallest renderable unit
type Scene struct {
	ID                 string       `json:"id"`
	ModuleID           string       `json:"module_id"`
	SceneNumber        int          `json:"scene_number"`
	VisualDescription  string       `json:"visual_description"`
	OnScreenText       string       `json:"on_screen_text"`
	VoiceoverText      string       `json:"voiceover_text"`
	BackgroundVideoURL string       `json:"background_video_url,omitempty"`
	RenderStatus       RenderStatus `json:"render_status"`
	OutputPath         string       `json:"output_path,omitempty"`
	CurrentTaskID      string       `json:"current_task_id,omitempty"`
}

// ModuleContent is a module together with its scenes, persisted as one unit.
type ModuleContent struct {
	Module Module  `json:"module"`
	Scenes []Scene `json:"scenes"`
}

// KnowledgeCheck is the quiz attached to a module
type KnowledgeCheck struct {
	ModuleID  string     `json:"module_id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
	CreatedAt time.Time  `json:"created_at"`
}

type Question struct {
	Text        string   `json:"text"`
	Explanation string   `json:"explanation,omitempty"`
	Order       int      `json:"order"`
	Options     []Option `json:"options"`
}

type Option struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
	Order     int    `json:"order"`
}

// Avatar is a presenter trained at the avatar provider
type Avatar struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	ProviderRef    string         `json:"provider_ref"`
	ImageURL       string         `json:"image_url,omitempty"`
	TrainingStatus TrainingStatus `json:"training_status"`
	CreatedBy      string         `json:"created_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
