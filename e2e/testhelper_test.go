package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeacourse/api/internal/auth"
	"github.com/makeacourse/api/internal/config"
	"github.com/makeacourse/api/internal/handler"
	"github.com/makeacourse/api/internal/logger"
	"github.com/makeacourse/api/internal/media"
	"github.com/makeacourse/api/internal/middleware"
	"github.com/makeacourse/api/internal/model"
	"github.com/makeacourse/api/internal/queue"
	"github.com/makeacourse/api/internal/service"
	"github.com/makeacourse/api/internal/store"
	ws "github.com/makeacourse/api/internal/websocket"
	"github.com/makeacourse/api/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app       *fiber.App
	store     *store.MemoryStore
	encoder   *stubEncoder
	outputDir string
}

// stubGenerator returns fixed content: 4 objectives, then 2 modules with
// 3 and 2 scenes for whatever objectives are selected.
type stubGenerator struct{}

func (stubGenerator) Objectives(context.Context, *model.Course) ([]string, error) {
	return []string{
		"Explain what a goroutine is",
		"Use channels to pass data",
		"Coordinate work with sync.WaitGroup",
		"Cancel work with context",
	}, nil
}

func (stubGenerator) Modules(_ context.Context, _ *model.Course, objectives []model.Objective) ([]service.GeneratedModule, error) {
	sizes := []int{3, 2}
	modules := make([]service.GeneratedModule, 0, len(sizes))
	for i, n := range sizes {
		m := service.GeneratedModule{
			ObjectiveID: objectives[i%len(objectives)].ID,
			Title:       fmt.Sprintf("Module %d", i+1),
			Description: objectives[i%len(objectives)].Text,
		}
		for s := 1; s <= n; s++ {
			m.Scenes = append(m.Scenes, service.GeneratedScene{
				SceneNumber: s,
				Visual:      "Presenter at a whiteboard",
				Text:        fmt.Sprintf("Part %d", s),
				Voiceover:   "A short narration for this scene.",
			})
		}
		modules = append(modules, m)
	}
	return modules, nil
}

func (stubGenerator) KnowledgeCheck(_ context.Context, _ *model.Course, module *model.Module, _ []model.Scene) (*service.GeneratedQuiz, error) {
	quiz := &service.GeneratedQuiz{Title: module.Title + " check"}
	for q := 0; q < 5; q++ {
		question := model.Question{Text: fmt.Sprintf("Question %d", q+1), Order: q}
		for o := 0; o < 4; o++ {
			question.Options = append(question.Options, model.Option{
				Text:      fmt.Sprintf("Option %d", o+1),
				IsCorrect: o == 0,
				Order:     o,
			})
		}
		quiz.Questions = append(quiz.Questions, question)
	}
	return quiz, nil
}

// stubEncoder writes placeholder files instead of running ffmpeg. A concat
// output lists its inputs one per line.
type stubEncoder struct {
	mu   sync.Mutex
	gate chan struct{}
}

func (e *stubEncoder) RenderScene(ctx context.Context, spec media.SceneSpec, out string) error {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	return os.WriteFile(out, []byte(spec.Caption), 0o644)
}

func (e *stubEncoder) Inspect(_ context.Context, path string) (media.Info, error) {
	return media.Info{
		Path:     path,
		Profile:  media.Profile{VideoCodec: "h264", Width: 1280, Height: 720, PixFmt: "yuv420p", FrameRate: 30, AudioCodec: "aac"},
		Duration: 3,
	}, nil
}

func (e *stubEncoder) Normalize(_ context.Context, _ media.Info, out string, _ media.Profile) error {
	return os.WriteFile(out, []byte("normalized"), 0o644)
}

func (e *stubEncoder) Concat(_ context.Context, inputs []string, out string) error {
	return os.WriteFile(out, []byte(strings.Join(inputs, "\n")), 0o644)
}

// hold makes scene renders wait until the returned function is called.
func (e *stubEncoder) AudioDuration(context.Context, string) (float64, error) {
	return 3, nil
}

func (e *stubEncoder) hold() func() {
	gate := make(chan struct{})
	e.mu.Lock()
	e.gate = gate
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.gate = nil
			e.mu.Unlock()
			close(gate)
		})
	}
}

// setupApp creates a Fiber app wired like main.go with an in-memory store,
// the local render pool and stubbed generation and encoding.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	log := logger.Nop()
	st := store.NewMemoryStore()
	validate := validator.New()
	outputDir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())

	hub := ws.NewHub(log)
	go hub.Run(ctx)

	courses := service.NewCourseService(st, stubGenerator{}, log)
	avatars := service.NewAvatarService(st, service.NewAvatarProvider(nil), nil, log)
	tracker := service.NewTracker(st, hub, courses, log)

	encoder := &stubEncoder{}
	cfg := worker.Config{OutputDir: outputDir, PollInterval: 10 * time.Millisecond, PollTimeout: time.Second}
	scenes := worker.NewSceneWorker(st, tracker, encoder, nil, nil, nil, cfg, log)
	assembler := worker.NewModuleAssembler(st, tracker, encoder, nil, cfg, log)

	pool := queue.NewLocalPool(2, 32, queue.Handlers{Scene: scenes.Process, Module: assembler.Process}, log)
	pool.Start(ctx)
	t.Cleanup(func() {
		_ = pool.Shutdown()
		cancel()
	})

	renders := service.NewRenderService(st, pool, tracker, courses, true, log)
	authenticator := auth.NewAuthenticator(nil, testJWTSecret)

	app := fiber.New(fiber.Config{
		BodyLimit: 20 * 1024 * 1024,
	})

	router := &handler.Router{
		Courses:      handler.NewCourseHandler(courses, validate),
		Avatars:      handler.NewAvatarHandler(avatars),
		Renders:      handler.NewRenderHandler(renders, tracker, hub),
		Auth:         handler.NewAuthHandler(authenticator),
		Authenticate: middleware.NewAuthMiddleware(authenticator).Authenticate(),
		// nil Redis disables rate limiting
		Limiter: middleware.NewRateLimiter(nil, log),
		Limits:  config.RateLimitConfig{GeneratePerHour: 10000, RenderPerHour: 10000, AvatarPerHour: 10000},
		Health: func() fiber.Map {
			return fiber.Map{"store": "memory", "render": "local"}
		},
	}
	router.Register(app)

	return &testApp{app: app, store: st, encoder: encoder, outputDir: outputDir}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	token, err := auth.IssueLegacyToken("test-user-123", "test@example.com", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// mustAuthRequest performs an authenticated request, checks the status and
// decodes the body into out when out is non-nil.
func mustAuthRequest(t *testing.T, app *fiber.App, method, path, body string, status int, out interface{}) {
	t.Helper()
	resp, err := doAuthRequest(t, app, method, path, body)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	raw := readBody(t, resp)
	if resp.StatusCode != status {
		t.Fatalf("%s %s: expected status %d, got %d\nbody: %s", method, path, status, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal([]byte(raw), out); err != nil {
			t.Fatalf("failed to parse JSON: %v\nbody: %s", err, raw)
		}
	}
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// waitForTask polls the status endpoint until the task is terminal.
func waitForTask(t *testing.T, app *fiber.App, taskID string) model.RenderStatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var status model.RenderStatusResponse
		mustAuthRequest(t, app, http.MethodGet, "/api/render-status/"+taskID, "", http.StatusOK, &status)
		if status.Status == model.RenderStatusSuccess || status.Status == model.RenderStatusFailure {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s still %s after deadline", taskID, status.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
