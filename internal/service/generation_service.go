package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/makeacourse/api/internal/apperr"
	"github.com/makeacourse/api/internal/client"
	"github.com/makeacourse/api/internal/logger"
	"github.com/makeacourse/api/internal/model"
)

const (
	objectiveCount     = 5
	minScenesPerModule = 5
	maxScenesPerModule = 7
	quizQuestionCount  = 5
	quizOptionCount    = 4
)

// ContentGenerator produces course material
type ContentGenerator interface {
	Objectives(ctx context.Context, course *model.Course) ([]string, error)
	Modules(ctx context.Context, course *model.Course, objectives []model.Objective) ([]GeneratedModule, error)
	KnowledgeCheck(ctx context.Context, course *model.Course, module *model.Module, scenes []model.Scene) (*GeneratedQuiz, error)
}

// GeneratedModule is one module as returned by the generator, before ids are assigned
type GeneratedModule struct {
	ObjectiveID string
	Title       string
	Description string
	Scenes      []GeneratedScene
}

// GeneratedScene is one scene of a GeneratedModule
type GeneratedScene struct {
	SceneNumber   int
	Visual        string
	Text          string
	Voiceover     string
	BackgroundURL string
}

// GeneratedQuiz is a knowledge check as returned by the generator
type GeneratedQuiz struct {
	Title     string
	Questions []model.Question
}

type chatCompleter interface {
	CompleteJSON(ctx context.Context, system, user string, maxTokens int) (string, error)
	IsConfigured() bool
}

type videoSearcher interface {
	SearchVideos(ctx context.Context, query string, perPage int) ([]string, error)
	IsConfigured() bool
}

// GenerationService generates course material through the chat model, with
// retries, and attaches stock footage to scenes.
type GenerationService struct {
	chat   chatCompleter
	videos videoSearcher
	retry  client.RetryPolicy
	log    *logger.Logger
}

func NewGenerationService(chat chatCompleter, videos videoSearcher, retry client.RetryPolicy, log *logger.Logger) *GenerationService {
	return &GenerationService{
		chat:   chat,
		videos: videos,
		retry:  retry,
		log:    log,
	}
}

func (s *GenerationService) configured() bool {
	return s.chat != nil && s.chat.IsConfigured()
}

// complete runs one prompt under the retry policy; parse failures count as
// retryable since the model may answer correctly next time.
func (s *GenerationService) complete(ctx context.Context, what, user string, maxTokens int, parse func(string) error) error {
	system := `You are an expert instructional designer who writes online video courses.
Always output valid JSON in the exact format requested.
Do not include any text outside the JSON structure.`

	attempt := 0
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		raw, err := s.chat.CompleteJSON(ctx, system, user, maxTokens)
		if err != nil {
			s.log.Warn("generator call failed", "what", what, "attempt", attempt, "error", err)
			return err
		}
		if err := parse(extractJSON(raw)); err != nil {
			s.log.Warn("generator returned unusable output", "what", what, "attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return apperr.ProviderFailure(fmt.Sprintf("%s generation failed", what), nil, err)
	}
	return nil
}

// Objectives returns candidate learning objectives for the course, in order.
func (s *GenerationService) Objectives(ctx context.Context, course *model.Course) ([]string, error) {
	if !s.configured() {
		return mockObjectives(course), nil
	}

	reference := ""
	if course.ReferenceText != "" {
		reference = fmt.Sprintf("\nBase the objectives on this reference material:\n%s\n", truncate(course.ReferenceText, 6000))
	}
	prompt := fmt.Sprintf(`Write %d learning objectives for a course.
Course name: %s
Target audience: %s
Style: %s
Language: %s
%s
Each objective is one sentence starting with a measurable verb.

Output as JSON: {"objectives": ["objective 1", "objective 2"]}`,
		objectiveCount, course.Name, course.TargetAudience, course.ContentStyle, languageName(course.Language), reference)

	var objectives []string
	err := s.complete(ctx, "objectives", prompt, 1024, func(raw string) error {
		var result struct {
			Objectives []string `json:"objectives"`
		}
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return fmt.Errorf("invalid JSON response: %w", err)
		}
		objectives = objectives[:0]
		for _, o := range result.Objectives {
			if o = strings.TrimSpace(o); o != "" {
				objectives = append(objectives, o)
			}
		}
		if len(objectives) == 0 {
			return fmt.Errorf("no objectives in response")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return objectives, nil
}

type moduleResponse struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Scenes      []struct {
		SceneNumber int    `json:"scene_number"`
		Visual      string `json:"visual"`
		Text        string `json:"text"`
		Voiceover   string `json:"voiceover"`
	} `json:"scenes"`
}

// Modules generates one module per objective. Any failure fails the whole
// call so callers never see a partial course.
func (s *GenerationService) Modules(ctx context.Context, course *model.Course, objectives []model.Objective) ([]GeneratedModule, error) {
	if len(objectives) == 0 {
		return nil, apperr.Validation("no objectives to generate modules from", nil)
	}
	if !s.configured() {
		return s.withBackgrounds(ctx, mockModules(objectives)), nil
	}

	modules := make([]GeneratedModule, len(objectives))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for i := range objectives {
		i, obj := i, objectives[i]
		g.Go(func() error {
			m, err := s.module(gctx, course, obj, i+1, len(objectives))
			if err != nil {
				return err
			}
			modules[i] = *m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s.withBackgrounds(ctx, modules), nil
}

func (s *GenerationService) module(ctx context.Context, course *model.Course, obj model.Objective, n, total int) (*GeneratedModule, error) {
	prompt := fmt.Sprintf(`Write module %d of %d of the course "%s" for %s, in a %s style, in %s.
The module teaches this objective: %s

Write %d to %d scenes. For each scene give:
- "visual": a short description of the background footage
- "text": the on-screen text, at most 12 words
- "voiceover": the narration, 40 to 80 words

Output as JSON: {"title": "...", "description": "...", "scenes": [{"scene_number": 1, "visual": "...", "text": "...", "voiceover": "..."}]}`,
		n, total, course.Name, course.TargetAudience, course.ContentStyle, languageName(course.Language),
		obj.Text, minScenesPerModule, maxScenesPerModule)

	var out GeneratedModule
	err := s.complete(ctx, "module", prompt, 3000, func(raw string) error {
		var result moduleResponse
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return fmt.Errorf("invalid JSON response: %w", err)
		}
		if strings.TrimSpace(result.Title) == "" {
			return fmt.Errorf("module has no title")
		}
		if len(result.Scenes) == 0 {
			return fmt.Errorf("module has no scenes")
		}
		if len(result.Scenes) > maxScenesPerModule {
			result.Scenes = result.Scenes[:maxScenesPerModule]
		}
		out = GeneratedModule{
			ObjectiveID: obj.ID,
			Title:       strings.TrimSpace(result.Title),
			Description: strings.TrimSpace(result.Description),
		}
		// numbering follows response order, whatever the model put in scene_number
		for i, sc := range result.Scenes {
			out.Scenes = append(out.Scenes, GeneratedScene{
				SceneNumber: i + 1,
				Visual:      strings.TrimSpace(sc.Visual),
				Text:        strings.TrimSpace(sc.Text),
				Voiceover:   strings.TrimSpace(sc.Voiceover),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// withBackgrounds attaches a stock clip to every scene. Search failures leave
// the scene without one.
func (s *GenerationService) withBackgrounds(ctx context.Context, modules []GeneratedModule) []GeneratedModule {
	if s.videos == nil || !s.videos.IsConfigured() {
		return modules
	}
	for i := range modules {
		for j := range modules[i].Scenes {
			sc := &modules[i].Scenes[j]
			query := searchTerms(sc.Visual, 6)
			if query == "" {
				continue
			}
			links, err := s.videos.SearchVideos(ctx, query, 1)
			if err != nil {
				s.log.Warn("background search failed", "query", query, "error", err)
				continue
			}
			if len(links) > 0 {
				sc.BackgroundURL = links[0]
			}
		}
	}
	return modules
}

type quizResponse struct {
	Title     string `json:"title"`
	Questions []struct {
		Question      string   `json:"question"`
		Options       []string `json:"options"`
		CorrectAnswer string   `json:"correct_answer"`
		Explanation   string   `json:"explanation"`
	} `json:"questions"`
}

// KnowledgeCheck writes a multiple-choice quiz for the module.
func (s *GenerationService) KnowledgeCheck(ctx context.Context, course *model.Course, module *model.Module, scenes []model.Scene) (*GeneratedQuiz, error) {
	if !s.configured() {
		return mockQuiz(module), nil
	}

	var script strings.Builder
	for _, sc := range scenes {
		fmt.Fprintf(&script, "Scene %d: %s\n", sc.SceneNumber, sc.VoiceoverText)
	}
	prompt := fmt.Sprintf(`Write a knowledge check for the module "%s" of the course "%s", in %s.
Module description: %s
Module script:
%s
Write %d multiple-choice questions with exactly %d options each, labelled A to D.

Output as JSON: {"title": "...", "questions": [{"question": "...", "options": ["A. ...", "B. ...", "C. ...", "D. ..."], "correct_answer": "A", "explanation": "..."}]}`,
		module.Title, course.Name, languageName(course.Language), module.Description,
		truncate(script.String(), 6000), quizQuestionCount, quizOptionCount)

	var quiz *GeneratedQuiz
	err := s.complete(ctx, "knowledge check", prompt, 2500, func(raw string) error {
		var result quizResponse
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return fmt.Errorf("invalid JSON response: %w", err)
		}
		q, err := parseQuiz(result, module.Title)
		if err != nil {
			return err
		}
		quiz = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return quiz, nil
}

func parseQuiz(result quizResponse, moduleTitle string) (*GeneratedQuiz, error) {
	quiz := &GeneratedQuiz{Title: strings.TrimSpace(result.Title)}
	if quiz.Title == "" {
		quiz.Title = "Knowledge Check: " + moduleTitle
	}
	for i, q := range result.Questions {
		if strings.TrimSpace(q.Question) == "" || len(q.Options) < 2 {
			return nil, fmt.Errorf("question %d is incomplete", i+1)
		}
		correct := strings.ToUpper(strings.TrimSpace(q.CorrectAnswer))
		question := model.Question{
			Text:        strings.TrimSpace(q.Question),
			Explanation: strings.TrimSpace(q.Explanation),
			Order:       i,
		}
		hasCorrect := false
		for j, opt := range q.Options {
			letter := string(rune('A' + j))
			isCorrect := strings.HasPrefix(correct, letter)
			hasCorrect = hasCorrect || isCorrect
			question.Options = append(question.Options, model.Option{
				Text:      stripOptionLabel(opt),
				IsCorrect: isCorrect,
				Order:     j,
			})
		}
		if !hasCorrect {
			return nil, fmt.Errorf("question %d has no valid correct answer %q", i+1, q.CorrectAnswer)
		}
		quiz.Questions = append(quiz.Questions, question)
	}
	if len(quiz.Questions) == 0 {
		return nil, fmt.Errorf("no questions in response")
	}
	return quiz, nil
}

// stripOptionLabel removes "A. " / "B) " style prefixes.
func stripOptionLabel(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] >= 'A' && s[0] <= 'Z' && (s[1] == '.' || s[1] == ')' || s[1] == ':') {
		return strings.TrimSpace(s[2:])
	}
	return s
}

// extractJSON attempts to extract JSON from a response that may contain extra text
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start != -1 && end != -1 && end > start {
		return s[start : end+1]
	}
	return s
}

func searchTerms(description string, maxWords int) string {
	words := strings.Fields(description)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func languageName(l model.Language) string {
	switch l {
	case model.LanguageSpanish:
		return "Spanish"
	case model.LanguageFrench:
		return "French"
	case model.LanguageGerman:
		return "German"
	case model.LanguageChinese:
		return "Chinese"
	case model.LanguageJapanese:
		return "Japanese"
	case model.LanguageRussian:
		return "Russian"
	case model.LanguageArabic:
		return "Arabic"
	case model.LanguageHindi:
		return "Hindi"
	case model.LanguagePortuguese:
		return "Portuguese"
	default:
		return "English"
	}
}

// Mock implementations for development/testing

func mockObjectives(course *model.Course) []string {
	return []string{
		fmt.Sprintf("Explain the core concepts of %s", course.Name),
		fmt.Sprintf("Apply %s techniques to everyday problems", course.Name),
		fmt.Sprintf("Analyze common mistakes made when learning %s", course.Name),
		fmt.Sprintf("Compare different approaches within %s", course.Name),
		fmt.Sprintf("Design a small project that uses %s", course.Name),
	}
}

func mockModules(objectives []model.Objective) []GeneratedModule {
	modules := make([]GeneratedModule, 0, len(objectives))
	for i, obj := range objectives {
		m := GeneratedModule{
			ObjectiveID: obj.ID,
			Title:       fmt.Sprintf("Module %d", i+1),
			Description: obj.Text,
		}
		for n := 1; n <= minScenesPerModule; n++ {
			m.Scenes = append(m.Scenes, GeneratedScene{
				SceneNumber: n,
				Visual:      "teacher at a whiteboard",
				Text:        fmt.Sprintf("Part %d", n),
				Voiceover:   fmt.Sprintf("In this part we look at step %d of: %s", n, obj.Text),
			})
		}
		modules = append(modules, m)
	}
	return modules
}

func mockQuiz(module *model.Module) *GeneratedQuiz {
	quiz := &GeneratedQuiz{Title: "Knowledge Check: " + module.Title}
	for i := 0; i < quizQuestionCount; i++ {
		q := model.Question{
			Text:        fmt.Sprintf("Question %d about %s?", i+1, module.Title),
			Explanation: "Review the module to see why.",
			Order:       i,
		}
		for j := 0; j < quizOptionCount; j++ {
			q.Options = append(q.Options, model.Option{
				Text:      fmt.Sprintf("Option %c", 'A'+j),
				IsCorrect: j == 0,
				Order:     j,
			})
		}
		quiz.Questions = append(quiz.Questions, q)
	}
	return quiz
}
