package model

// CourseStage is the primary production stage of a course
type CourseStage string

const (
	StageDraft              CourseStage = "DRAFT"
	StageObjectivesReady    CourseStage = "OBJECTIVES_READY"
	StageObjectivesSelected CourseStage = "OBJECTIVES_SELECTED"
	StageModulesReady       CourseStage = "MODULES_READY"
	StageRendering          CourseStage = "RENDERING"
	StageRendered           CourseStage = "RENDERED"
)

// Optional milestones, reported alongside the primary stage.
const (
	MilestoneAvatarAssigned       = "AVATAR_ASSIGNED"
	MilestoneKnowledgeChecksReady = "KNOWLEDGE_CHECKS_READY"
)

var stageRank = map[CourseStage]int{
	StageDraft:              0,
	StageObjectivesReady:    1,
	StageObjectivesSelected: 2,
	StageModulesReady:       3,
	StageRendering:          4,
	StageRendered:           5,
}

// Rank returns the position of the stage in the pipeline, or -1 for unknown values.
func (s CourseStage) Rank() int {
	if r, ok := stageRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at or past other.
func (s CourseStage) AtLeast(other CourseStage) bool {
	return s.Rank() >= other.Rank() && s.Rank() >= 0
}

// Language codes accepted for course content
type Language string

const (
	LanguageEnglish    Language = "en"
	LanguageSpanish    Language = "es"
	LanguageFrench     Language = "fr"
	LanguageGerman     Language = "de"
	LanguageChinese    Language = "zh"
	LanguageJapanese   Language = "ja"
	LanguageRussian    Language = "ru"
	LanguageArabic     Language = "ar"
	LanguageHindi      Language = "hi"
	LanguagePortuguese Language = "pt"
)

var ValidLanguages = []Language{
	LanguageEnglish, LanguageSpanish, LanguageFrench, LanguageGerman, LanguageChinese,
	LanguageJapanese, LanguageRussian, LanguageArabic, LanguageHindi, LanguagePortuguese,
}

// ContentStyle is the tone used for generated course material
type ContentStyle string

const (
	StyleFormal         ContentStyle = "formal"
	StyleConversational ContentStyle = "conversational"
	StyleTechnical      ContentStyle = "technical"
	StyleCreative       ContentStyle = "creative"
	StyleMotivational   ContentStyle = "motivational"
)

var ValidContentStyles = []ContentStyle{
	StyleFormal, StyleConversational, StyleTechnical, StyleCreative, StyleMotivational,
}

// RenderStatus is shared by scenes, modules and render tasks.
// NONE only ever appears on a target that has never been dispatched.
type RenderStatus string

const (
	RenderStatusNone    RenderStatus = "NONE"
	RenderStatusPending RenderStatus = "PENDING"
	RenderStatusRunning RenderStatus = "RUNNING"
	RenderStatusSuccess RenderStatus = "SUCCESS"
	RenderStatusFailure RenderStatus = "FAILURE"
)

// IsTerminal reports whether no further transition is possible.
func (s RenderStatus) IsTerminal() bool {
	return s == RenderStatusSuccess || s == RenderStatusFailure
}

// IsActive reports whether a task in this status still owns its target.
func (s RenderStatus) IsActive() bool {
	return s == RenderStatusPending || s == RenderStatusRunning
}

// TargetType identifies what a render task produces
type TargetType string

const (
	TargetScene  TargetType = "SCENE"
	TargetModule TargetType = "MODULE"
)

// TrainingStatus of an avatar at the provider
type TrainingStatus string

const (
	TrainingStatusTraining TrainingStatus = "TRAINING"
	TrainingStatusReady    TrainingStatus = "READY"
	TrainingStatusFailed   TrainingStatus = "FAILED"
)

// IsTerminal reports whether the provider will not change the status again.
func (s TrainingStatus) IsTerminal() bool {
	return s == TrainingStatusReady || s == TrainingStatusFailed
}
