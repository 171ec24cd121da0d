package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makeacourse/api/internal/model"
)

// PostgresStore persists entities in PostgreSQL. Multi-record writes run in a
// single transaction; render claims lock the target row with SELECT FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds connection settings.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// NewPostgresStore opens a pool, pings it and applies pending migrations.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// withTx runs fn in a read-committed transaction, committing on nil.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

func rowErr(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(entity, id)
	}
	return err
}

const courseColumns = `id, name, language, target_audience, content_style, reference_text, stage,
	avatar_id, knowledge_checks_ready, created_by, created_at, updated_at`

func scanCourse(row pgx.Row) (*model.Course, error) {
	var c model.Course
	err := row.Scan(&c.ID, &c.Name, &c.Language, &c.TargetAudience, &c.ContentStyle, &c.ReferenceText,
		&c.Stage, &c.AvatarID, &c.KnowledgeChecksReady, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func upsertCourse(ctx context.Context, tx pgx.Tx, c *model.Course) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO courses (`+courseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			language = EXCLUDED.language,
			target_audience = EXCLUDED.target_audience,
			content_style = EXCLUDED.content_style,
			reference_text = EXCLUDED.reference_text,
			stage = EXCLUDED.stage,
			avatar_id = EXCLUDED.avatar_id,
			knowledge_checks_ready = EXCLUDED.knowledge_checks_ready,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.Name, c.Language, c.TargetAudience, c.ContentStyle, c.ReferenceText, c.Stage,
		c.AvatarID, c.KnowledgeChecksReady, c.CreatedBy, c.CreatedAt, c.UpdatedAt)
	return err
}

func lockCourse(ctx context.Context, tx pgx.Tx, id string) (*model.Course, error) {
	c, err := scanCourse(tx.QueryRow(ctx, "SELECT "+courseColumns+" FROM courses WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, rowErr(err, "course", id)
	}
	return c, nil
}

func (s *PostgresStore) CreateCourse(ctx context.Context, c *model.Course) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return upsertCourse(ctx, tx, c)
	})
}

func (s *PostgresStore) GetCourse(ctx context.Context, id string) (*model.Course, error) {
	c, err := scanCourse(s.pool.QueryRow(ctx, "SELECT "+courseColumns+" FROM courses WHERE id = $1", id))
	if err != nil {
		return nil, rowErr(err, "course", id)
	}
	return c, nil
}

func (s *PostgresStore) UpdateCourse(ctx context.Context, id string, fn func(c *model.Course) error) (*model.Course, error) {
	var out *model.Course
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := lockCourse(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		out = c
		return upsertCourse(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) SaveObjectives(ctx context.Context, course *model.Course, objectives []model.Objective, allowed ...model.CourseStage) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		stored, err := lockCourse(ctx, tx, course.ID)
		if err != nil {
			return err
		}
		if !stageAllowed(stored.Stage, allowed) {
			return ErrStageConflict
		}
		if _, err := tx.Exec(ctx, "DELETE FROM objectives WHERE course_id = $1", course.ID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, o := range objectives {
			batch.Queue(`INSERT INTO objectives (id, course_id, text, ord, selected) VALUES ($1, $2, $3, $4, $5)`,
				o.ID, course.ID, o.Text, o.Order, o.Selected)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		return upsertCourse(ctx, tx, course)
	})
}

func (s *PostgresStore) ListObjectives(ctx context.Context, courseID string) ([]model.Objective, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, course_id, text, ord, selected FROM objectives WHERE course_id = $1 ORDER BY ord", courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Objective{}
	for rows.Next() {
		var o model.Objective
		if err := rows.Scan(&o.ID, &o.CourseID, &o.Text, &o.Order, &o.Selected); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveModules(ctx context.Context, course *model.Course, content []model.ModuleContent, from model.CourseStage) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		stored, err := lockCourse(ctx, tx, course.ID)
		if err != nil {
			return err
		}
		if stored.Stage != from {
			return ErrStageConflict
		}
		var count int
		if err := tx.QueryRow(ctx, "SELECT count(*) FROM modules WHERE course_id = $1", course.ID).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return ErrModulesExist
		}

		batch := &pgx.Batch{}
		for _, mc := range content {
			m := mc.Module
			batch.Queue(`INSERT INTO modules (id, course_id, objective_id, title, description, ord, render_status, output_path, current_task_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				m.ID, course.ID, m.ObjectiveID, m.Title, m.Description, m.Order, m.RenderStatus, m.OutputPath, m.CurrentTaskID)
			for _, sc := range mc.Scenes {
				batch.Queue(`INSERT INTO scenes (id, module_id, scene_number, visual_description, on_screen_text, voiceover_text,
					background_video_url, render_status, output_path, current_task_id)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
					sc.ID, m.ID, sc.SceneNumber, sc.VisualDescription, sc.OnScreenText, sc.VoiceoverText,
					sc.BackgroundVideoURL, sc.RenderStatus, sc.OutputPath, sc.CurrentTaskID)
			}
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		return upsertCourse(ctx, tx, course)
	})
}

const moduleColumns = `id, course_id, objective_id, title, description, ord, render_status, output_path, current_task_id`

func scanModule(row pgx.Row) (*model.Module, error) {
	var m model.Module
	err := row.Scan(&m.ID, &m.CourseID, &m.ObjectiveID, &m.Title, &m.Description, &m.Order,
		&m.RenderStatus, &m.OutputPath, &m.CurrentTaskID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListModules(ctx context.Context, courseID string) ([]model.Module, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+moduleColumns+" FROM modules WHERE course_id = $1 ORDER BY ord", courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Module{}
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetModule(ctx context.Context, id string) (*model.Module, error) {
	m, err := scanModule(s.pool.QueryRow(ctx, "SELECT "+moduleColumns+" FROM modules WHERE id = $1", id))
	if err != nil {
		return nil, rowErr(err, "module", id)
	}
	return m, nil
}

const sceneColumns = `id, module_id, scene_number, visual_description, on_screen_text, voiceover_text,
	background_video_url, render_status, output_path, current_task_id`

func scanScene(row pgx.Row) (*model.Scene, error) {
	var sc model.Scene
	err := row.Scan(&sc.ID, &sc.ModuleID, &sc.SceneNumber, &sc.VisualDescription, &sc.OnScreenText,
		&sc.VoiceoverText, &sc.BackgroundVideoURL, &sc.RenderStatus, &sc.OutputPath, &sc.CurrentTaskID)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *PostgresStore) ListScenes(ctx context.Context, moduleID string) ([]model.Scene, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+sceneColumns+" FROM scenes WHERE module_id = $1 ORDER BY scene_number", moduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Scene{}
	for rows.Next() {
		sc, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetScene(ctx context.Context, id string) (*model.Scene, error) {
	sc, err := scanScene(s.pool.QueryRow(ctx, "SELECT "+sceneColumns+" FROM scenes WHERE id = $1", id))
	if err != nil {
		return nil, rowErr(err, "scene", id)
	}
	return sc, nil
}

func (s *PostgresStore) SaveKnowledgeCheck(ctx context.Context, kc *model.KnowledgeCheck) error {
	questions, err := json.Marshal(kc.Questions)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM modules WHERE id = $1)", kc.ModuleID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return notFound("module", kc.ModuleID)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO knowledge_checks (module_id, title, questions, created_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (module_id) DO UPDATE SET
				title = EXCLUDED.title, questions = EXCLUDED.questions, created_at = EXCLUDED.created_at`,
			kc.ModuleID, kc.Title, questions, kc.CreatedAt)
		return err
	})
}

func (s *PostgresStore) GetKnowledgeCheck(ctx context.Context, moduleID string) (*model.KnowledgeCheck, error) {
	var kc model.KnowledgeCheck
	var questions []byte
	err := s.pool.QueryRow(ctx,
		"SELECT module_id, title, questions, created_at FROM knowledge_checks WHERE module_id = $1", moduleID).
		Scan(&kc.ModuleID, &kc.Title, &questions, &kc.CreatedAt)
	if err != nil {
		return nil, rowErr(err, "knowledge check", moduleID)
	}
	if err := json.Unmarshal(questions, &kc.Questions); err != nil {
		return nil, fmt.Errorf("postgres store: decode questions: %w", err)
	}
	return &kc, nil
}

const avatarColumns = `id, name, provider_ref, image_url, training_status, created_by, created_at, updated_at`

func scanAvatar(row pgx.Row) (*model.Avatar, error) {
	var a model.Avatar
	if err := row.Scan(&a.ID, &a.Name, &a.ProviderRef, &a.ImageURL, &a.TrainingStatus, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateAvatar(ctx context.Context, a *model.Avatar) error {
	_, err := s.pool.Exec(ctx, "INSERT INTO avatars ("+avatarColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		a.ID, a.Name, a.ProviderRef, a.ImageURL, a.TrainingStatus, a.CreatedBy, a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *PostgresStore) GetAvatar(ctx context.Context, id string) (*model.Avatar, error) {
	a, err := scanAvatar(s.pool.QueryRow(ctx, "SELECT "+avatarColumns+" FROM avatars WHERE id = $1", id))
	if err != nil {
		return nil, rowErr(err, "avatar", id)
	}
	return a, nil
}

func (s *PostgresStore) UpdateAvatar(ctx context.Context, a *model.Avatar) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE avatars SET name = $2, provider_ref = $3, image_url = $4, training_status = $5, updated_at = $6
		WHERE id = $1`,
		a.ID, a.Name, a.ProviderRef, a.ImageURL, a.TrainingStatus, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("avatar", a.ID)
	}
	return nil
}

func (s *PostgresStore) ListAvatars(ctx context.Context) ([]model.Avatar, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+avatarColumns+" FROM avatars ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Avatar{}
	for rows.Next() {
		a, err := scanAvatar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

const taskColumns = `task_id, target_type, target_id, course_id, status, inputs, result, error,
	created_at, started_at, completed_at`

func scanTask(row pgx.Row) (*model.RenderTask, error) {
	var t model.RenderTask
	var inputs, result, taskErr []byte
	err := row.Scan(&t.TaskID, &t.TargetType, &t.TargetID, &t.CourseID, &t.Status, &inputs, &result, &taskErr,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &t.Inputs); err != nil {
			return nil, err
		}
	}
	if len(result) > 0 {
		t.Result = &model.RenderResult{}
		if err := json.Unmarshal(result, t.Result); err != nil {
			return nil, err
		}
	}
	if len(taskErr) > 0 {
		t.Error = &model.TaskError{}
		if err := json.Unmarshal(taskErr, t.Error); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// nullableJSON encodes v, mapping nil values to SQL NULL.
func nullableJSON(v interface{}, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

func taskJSON(t *model.RenderTask) (inputs, result, taskErr []byte, err error) {
	if inputs, err = nullableJSON(t.Inputs, len(t.Inputs) == 0); err != nil {
		return
	}
	if result, err = nullableJSON(t.Result, t.Result == nil); err != nil {
		return
	}
	taskErr, err = nullableJSON(t.Error, t.Error == nil)
	return
}

func targetTable(t model.TargetType) (string, error) {
	switch t {
	case model.TargetScene:
		return "scenes", nil
	case model.TargetModule:
		return "modules", nil
	}
	return "", fmt.Errorf("postgres store: unknown target type %q", t)
}

func (s *PostgresStore) ClaimRender(ctx context.Context, task *model.RenderTask) (*model.RenderTask, bool, error) {
	table, err := targetTable(task.TargetType)
	if err != nil {
		return nil, false, err
	}
	inputs, result, taskErr, err := taskJSON(task)
	if err != nil {
		return nil, false, err
	}

	var existing *model.RenderTask
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, "SELECT current_task_id FROM "+table+" WHERE id = $1 FOR UPDATE", task.TargetID).Scan(&current)
		if err != nil {
			return rowErr(err, string(task.TargetType), task.TargetID)
		}
		if current != "" {
			prior, err := scanTask(tx.QueryRow(ctx, "SELECT "+taskColumns+" FROM render_tasks WHERE task_id = $1", current))
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			if prior != nil && prior.Status.IsActive() {
				existing = prior
				return nil
			}
		}

		_, err = tx.Exec(ctx, "INSERT INTO render_tasks ("+taskColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
			task.TaskID, task.TargetType, task.TargetID, task.CourseID, task.Status, inputs, result, taskErr,
			task.CreatedAt, task.StartedAt, task.CompletedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, "UPDATE "+table+" SET render_status = $2, output_path = '', current_task_id = $3 WHERE id = $1",
			task.TargetID, task.Status, task.TaskID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	return task, true, nil
}

func (s *PostgresStore) GetRenderTask(ctx context.Context, taskID string) (*model.RenderTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, "SELECT "+taskColumns+" FROM render_tasks WHERE task_id = $1", taskID))
	if err != nil {
		return nil, rowErr(err, "render task", taskID)
	}
	return t, nil
}

func (s *PostgresStore) ListRenderTasks(ctx context.Context, targetType model.TargetType, targetID string) ([]model.RenderTask, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+taskColumns+" FROM render_tasks WHERE target_type = $1 AND target_id = $2 ORDER BY created_at",
		targetType, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.RenderTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListActiveRenderTasks(ctx context.Context) ([]model.RenderTask, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+taskColumns+" FROM render_tasks WHERE status IN ('PENDING', 'RUNNING') ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.RenderTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionRender(ctx context.Context, task *model.RenderTask, from ...model.RenderStatus) error {
	table, err := targetTable(task.TargetType)
	if err != nil {
		return err
	}
	inputs, result, taskErr, err := taskJSON(task)
	if err != nil {
		return err
	}

	var outputPath *string
	switch task.Status {
	case model.RenderStatusSuccess:
		if task.Result != nil {
			outputPath = &task.Result.OutputPath
		}
	case model.RenderStatusPending:
		empty := ""
		outputPath = &empty
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		var stored model.RenderStatus
		err := tx.QueryRow(ctx, "SELECT status FROM render_tasks WHERE task_id = $1 FOR UPDATE", task.TaskID).Scan(&stored)
		if err != nil {
			return rowErr(err, "render task", task.TaskID)
		}
		if !statusIn(stored, from) {
			return ErrInvalidTransition
		}
		_, err = tx.Exec(ctx, `
			UPDATE render_tasks SET status = $2, inputs = $3, result = $4, error = $5, started_at = $6, completed_at = $7
			WHERE task_id = $1`,
			task.TaskID, task.Status, inputs, result, taskErr, task.StartedAt, task.CompletedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, "UPDATE "+table+" SET render_status = $3, output_path = COALESCE($4, output_path) WHERE id = $1 AND current_task_id = $2",
			task.TargetID, task.TaskID, task.Status, outputPath)
		return err
	})
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
