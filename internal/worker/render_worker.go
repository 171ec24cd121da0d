package worker

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/makeacourse/api/internal/apperr"
	"github.com/makeacourse/api/internal/client"
	"github.com/makeacourse/api/internal/logger"
	"github.com/makeacourse/api/internal/media"
	"github.com/makeacourse/api/internal/model"
	"github.com/makeacourse/api/internal/service"
	"github.com/makeacourse/api/internal/store"
)

const (
	wordsPerMinute   = 150
	minSceneDuration = 3.0
)

// Encoder is the video toolchain used by the workers
type Encoder interface {
	Inspect(ctx context.Context, path string) (media.Info, error)
	Normalize(ctx context.Context, in media.Info, out string, ref media.Profile) error
	Concat(ctx context.Context, inputs []string, out string) error
	RenderScene(ctx context.Context, spec media.SceneSpec, out string) error
	AudioDuration(ctx context.Context, path string) (float64, error)
}

// AvatarVideos renders a presenter speaking the voiceover
type AvatarVideos interface {
	GenerateVideo(ctx context.Context, req *client.AvatarVideoRequest) (*client.AvatarVideo, error)
	PollVideoStatus(ctx context.Context, videoID string, interval, maxWait time.Duration) (*client.AvatarVideo, error)
	IsConfigured() bool
}

// Narrator synthesises the voiceover track of a scene
type Narrator interface {
	SynthesizeSpeech(ctx context.Context, text, out string) error
	IsConfigured() bool
}

// Config is shared by the scene and module workers
type Config struct {
	OutputDir    string
	PollInterval time.Duration
	PollTimeout  time.Duration
	// Retry wraps voiceover synthesis
	Retry client.RetryPolicy
}

// SceneWorker renders single scenes
type SceneWorker struct {
	store   store.Store
	tracker *service.Tracker
	encoder Encoder
	avatars  AvatarVideos
	narrator Narrator
	storage  client.StorageClient
	cfg      Config
	log      *logger.Logger
}

// NewSceneWorker creates a scene worker. avatars, narrator and storage may
// be nil; without a narrator scenes are silent.
func NewSceneWorker(st store.Store, tracker *service.Tracker, encoder Encoder, avatars AvatarVideos, narrator Narrator, storage client.StorageClient, cfg Config, log *logger.Logger) *SceneWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 15 * time.Minute
	}
	return &SceneWorker{
		store:    st,
		tracker:  tracker,
		encoder:  encoder,
		avatars:  avatars,
		narrator: narrator,
		storage:  storage,
		cfg:      cfg,
		log:      log.With("worker", "scene"),
	}
}

// Process runs one scene job. Failures are recorded on the task and not
// returned, so the queue never retries a render on its own.
func (w *SceneWorker) Process(ctx context.Context, job model.SceneRenderJob) error {
	log := w.log.With("task_id", job.TaskID, "scene_id", job.SceneID)
	if !begin(ctx, w.tracker, job.TaskID, log) {
		return nil
	}

	result, err := w.render(ctx, job)
	if err != nil {
		log.Error("scene render failed", "error", err)
		fail(ctx, w.tracker, job.TaskID, apperr.Render("scene render failed", err), log)
		return nil
	}
	if _, err := w.tracker.Complete(ctx, job.TaskID, result); err != nil {
		log.Error("failed to record scene result", "error", err)
	}
	return nil
}

func (w *SceneWorker) render(ctx context.Context, job model.SceneRenderJob) (*model.RenderResult, error) {
	scene, err := w.store.GetScene(ctx, job.SceneID)
	if err != nil {
		return nil, fmt.Errorf("load scene: %w", err)
	}
	module, err := w.store.GetModule(ctx, scene.ModuleID)
	if err != nil {
		return nil, fmt.Errorf("load module: %w", err)
	}
	course, err := w.store.GetCourse(ctx, module.CourseID)
	if err != nil {
		return nil, fmt.Errorf("load course: %w", err)
	}

	out := filepath.Join(w.cfg.OutputDir, "scenes", module.ID, "scene_"+scene.ID+".mp4")
	spec := media.SceneSpec{
		Background: scene.BackgroundVideoURL,
		Caption:    scene.OnScreenText,
		Duration:   SceneDuration(scene.VoiceoverText),
	}
	video, err := w.avatarVideo(ctx, course, scene)
	if err != nil {
		return nil, err
	}
	if video != nil {
		// the presenter speaks the voiceover
		spec.Background = video.VideoURL
		spec.BackgroundAudio = true
		if video.Duration > 0 {
			spec.Duration = video.Duration
		}
	} else {
		audio, length, err := w.voiceover(ctx, scene, out)
		if err != nil {
			return nil, err
		}
		if audio != "" {
			spec.Audio = audio
			spec.Duration = math.Max(length, minSceneDuration)
		}
	}

	tmp := strings.TrimSuffix(out, ".mp4") + ".part.mp4"
	if err := w.encoder.RenderScene(ctx, spec, tmp); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}

	result := &model.RenderResult{OutputPath: out, Duration: spec.Duration}
	if w.storage != nil {
		key := fmt.Sprintf("scenes/%s/scene_%s.mp4", module.ID, scene.ID)
		url, err := w.storage.UploadFile(ctx, key, tmp, "video/mp4")
		if err != nil {
			_ = os.Remove(tmp)
			return nil, fmt.Errorf("upload scene: %w", err)
		}
		result.PublicURL = url
	}
	if err := os.Rename(tmp, out); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("finalize scene: %w", err)
	}
	return result, nil
}

// avatarVideo asks the provider for the presenter clip when the course has a
// trained avatar. It returns nil when no avatar video applies.
func (w *SceneWorker) avatarVideo(ctx context.Context, course *model.Course, scene *model.Scene) (*client.AvatarVideo, error) {
	if course.AvatarID == "" || w.avatars == nil || !w.avatars.IsConfigured() || strings.TrimSpace(scene.VoiceoverText) == "" {
		return nil, nil
	}
	avatar, err := w.store.GetAvatar(ctx, course.AvatarID)
	if err != nil {
		return nil, fmt.Errorf("load avatar: %w", err)
	}
	if avatar.TrainingStatus != model.TrainingStatusReady {
		return nil, nil
	}

	started, err := w.avatars.GenerateVideo(ctx, &client.AvatarVideoRequest{
		AvatarID:        avatar.ProviderRef,
		InputText:       scene.VoiceoverText,
		BackgroundColor: "#1f2937",
	})
	if err != nil {
		return nil, fmt.Errorf("avatar video: %w", err)
	}
	video, err := w.avatars.PollVideoStatus(ctx, started.VideoID, w.cfg.PollInterval, w.cfg.PollTimeout)
	if err != nil {
		return nil, fmt.Errorf("avatar video: %w", err)
	}
	return video, nil
}

// voiceover synthesises the narration next to out and returns its path and
// length. The path is empty when no narrator is configured.
func (w *SceneWorker) voiceover(ctx context.Context, scene *model.Scene, out string) (string, float64, error) {
	if w.narrator == nil || !w.narrator.IsConfigured() || strings.TrimSpace(scene.VoiceoverText) == "" {
		return "", 0, nil
	}
	audio := strings.TrimSuffix(out, ".mp4") + ".mp3"
	if err := os.MkdirAll(filepath.Dir(audio), 0o755); err != nil {
		return "", 0, fmt.Errorf("voiceover: %w", err)
	}
	err := w.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return w.narrator.SynthesizeSpeech(ctx, scene.VoiceoverText, audio)
	})
	if err != nil {
		return "", 0, fmt.Errorf("voiceover: %w", err)
	}
	length, err := w.encoder.AudioDuration(ctx, audio)
	if err != nil {
		_ = os.Remove(audio)
		return "", 0, fmt.Errorf("voiceover: %w", err)
	}
	return audio, length, nil
}

// SceneDuration estimates narration length in seconds from the word count.
func SceneDuration(voiceover string) float64 {
	words := len(strings.Fields(voiceover))
	d := float64(words) / wordsPerMinute * 60
	if d < minSceneDuration {
		return minSceneDuration
	}
	return d
}

// begin moves a queued task to RUNNING. It reports false for tasks that are
// gone or no longer PENDING, which happens on duplicate deliveries.
func begin(ctx context.Context, tracker *service.Tracker, taskID string, log *logger.Logger) bool {
	task, err := tracker.Task(ctx, taskID)
	if err != nil {
		log.Warn("render task not found", "error", err)
		return false
	}
	if task.Status != model.RenderStatusPending {
		log.Info("skipping render task", "status", task.Status)
		return false
	}
	if _, err := tracker.Start(ctx, taskID); err != nil {
		log.Warn("render task could not start", "error", err)
		return false
	}
	return true
}

func fail(ctx context.Context, tracker *service.Tracker, taskID string, cause error, log *logger.Logger) {
	if _, err := tracker.Fail(ctx, taskID, cause); err != nil {
		log.Error("failed to record task failure", "error", err)
	}
}
