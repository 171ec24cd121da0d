package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/makeacourse/api/internal/apperr"
	"github.com/makeacourse/api/internal/client"
	"github.com/makeacourse/api/internal/logger"
	"github.com/makeacourse/api/internal/media"
	"github.com/makeacourse/api/internal/model"
	"github.com/makeacourse/api/internal/service"
	"github.com/makeacourse/api/internal/store"
)

// ModuleAssembler concatenates rendered scenes into the module video
type ModuleAssembler struct {
	store   store.Store
	tracker *service.Tracker
	encoder Encoder
	storage client.StorageClient
	cfg     Config
	log     *logger.Logger
}

func NewModuleAssembler(st store.Store, tracker *service.Tracker, encoder Encoder, storage client.StorageClient, cfg Config, log *logger.Logger) *ModuleAssembler {
	return &ModuleAssembler{
		store:   st,
		tracker: tracker,
		encoder: encoder,
		storage: storage,
		cfg:     cfg,
		log:     log.With("worker", "module"),
	}
}

// ModuleOutputPath is where a module's video is written.
func ModuleOutputPath(outputDir, moduleID string) string {
	return filepath.Join(outputDir, "modules", "module_"+moduleID+".mp4")
}

// Process runs one module job.
func (a *ModuleAssembler) Process(ctx context.Context, job model.ModuleRenderJob) error {
	log := a.log.With("task_id", job.TaskID, "module_id", job.ModuleID)

	task, err := a.tracker.Task(ctx, job.TaskID)
	if err != nil {
		log.Warn("render task not found", "error", err)
		return nil
	}
	if task.Status != model.RenderStatusPending {
		log.Info("skipping render task", "status", task.Status)
		return nil
	}

	// a scene may have been re-rendered since dispatch
	if unrendered, err := a.unrenderedScenes(ctx, job.ModuleID); err != nil {
		fail(ctx, a.tracker, job.TaskID, apperr.Render("failed to load scenes", err), log)
		return nil
	} else if len(unrendered) > 0 {
		log.Warn("scenes no longer rendered", "scene_ids", unrendered)
		fail(ctx, a.tracker, job.TaskID, apperr.UnmetDependency("scenes have not rendered successfully",
			map[string]interface{}{"scene_ids": unrendered}), log)
		return nil
	}

	if !begin(ctx, a.tracker, job.TaskID, log) {
		return nil
	}

	result, err := a.assemble(ctx, job)
	if err != nil {
		log.Error("module assembly failed", "error", err)
		fail(ctx, a.tracker, job.TaskID, apperr.Render("module assembly failed", err), log)
		return nil
	}
	if _, err := a.tracker.Complete(ctx, job.TaskID, result); err != nil {
		log.Error("failed to record module result", "error", err)
	}
	return nil
}

func (a *ModuleAssembler) unrenderedScenes(ctx context.Context, moduleID string) ([]string, error) {
	scenes, err := a.store.ListScenes(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, sc := range scenes {
		if sc.RenderStatus != model.RenderStatusSuccess {
			out = append(out, sc.ID)
		}
	}
	return out, nil
}

func (a *ModuleAssembler) assemble(ctx context.Context, job model.ModuleRenderJob) (*model.RenderResult, error) {
	if len(job.Inputs) == 0 {
		return nil, fmt.Errorf("no scene inputs")
	}
	inputs := append([]model.RenderInput(nil), job.Inputs...)
	sort.SliceStable(inputs, func(i, j int) bool { return inputs[i].SceneNumber < inputs[j].SceneNumber })

	infos := make([]media.Info, len(inputs))
	var duration float64
	for i, in := range inputs {
		info, err := a.encoder.Inspect(ctx, in.Path)
		if err != nil {
			return nil, fmt.Errorf("scene %d: %w", in.SceneNumber, err)
		}
		infos[i] = info
		duration += info.Duration
	}

	out := ModuleOutputPath(a.cfg.OutputDir, job.ModuleID)
	dir := filepath.Dir(out)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	scratch, err := os.MkdirTemp(dir, ".assemble-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	ref := infos[0].Profile
	paths := make([]string, len(infos))
	for i, info := range infos {
		if info.Profile.Compatible(ref) {
			paths[i] = info.Path
			continue
		}
		normalized := filepath.Join(scratch, fmt.Sprintf("scene_%03d.mp4", inputs[i].SceneNumber))
		a.log.Debug("normalizing scene", "module_id", job.ModuleID, "scene_number", inputs[i].SceneNumber)
		if err := a.encoder.Normalize(ctx, info, normalized, ref); err != nil {
			return nil, fmt.Errorf("scene %d: %w", inputs[i].SceneNumber, err)
		}
		paths[i] = normalized
	}

	tmp := filepath.Join(scratch, "module.mp4")
	if err := a.encoder.Concat(ctx, paths, tmp); err != nil {
		return nil, err
	}

	// upload before publishing so a failed upload leaves no output behind
	result := &model.RenderResult{OutputPath: out, Duration: duration, SceneCount: len(inputs)}
	if a.storage != nil {
		url, err := a.storage.UploadFile(ctx, fmt.Sprintf("modules/module_%s.mp4", job.ModuleID), tmp, "video/mp4")
		if err != nil {
			return nil, fmt.Errorf("upload module: %w", err)
		}
		result.PublicURL = url
	}
	if err := os.Rename(tmp, out); err != nil {
		return nil, fmt.Errorf("finalize module: %w", err)
	}
	return result, nil
}
