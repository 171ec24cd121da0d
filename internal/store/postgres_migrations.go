package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Migration is one forward-only schema step.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_course_content",
		UpSQL: `
CREATE TABLE IF NOT EXISTS courses (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    language VARCHAR(8) NOT NULL,
    target_audience TEXT NOT NULL,
    content_style VARCHAR(32) NOT NULL,
    reference_text TEXT NOT NULL DEFAULT '',
    stage VARCHAR(32) NOT NULL,
    avatar_id TEXT NOT NULL DEFAULT '',
    knowledge_checks_ready BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS objectives (
    id TEXT PRIMARY KEY,
    course_id TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
    text TEXT NOT NULL,
    ord INTEGER NOT NULL,
    selected BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_objectives_course ON objectives(course_id, ord);

CREATE TABLE IF NOT EXISTS modules (
    id TEXT PRIMARY KEY,
    course_id TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
    objective_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    ord INTEGER NOT NULL,
    render_status VARCHAR(16) NOT NULL DEFAULT 'NONE',
    output_path TEXT NOT NULL DEFAULT '',
    current_task_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_modules_course ON modules(course_id, ord);

CREATE TABLE IF NOT EXISTS scenes (
    id TEXT PRIMARY KEY,
    module_id TEXT NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
    scene_number INTEGER NOT NULL,
    visual_description TEXT NOT NULL DEFAULT '',
    on_screen_text TEXT NOT NULL DEFAULT '',
    voiceover_text TEXT NOT NULL DEFAULT '',
    background_video_url TEXT NOT NULL DEFAULT '',
    render_status VARCHAR(16) NOT NULL DEFAULT 'NONE',
    output_path TEXT NOT NULL DEFAULT '',
    current_task_id TEXT NOT NULL DEFAULT '',
    CONSTRAINT scenes_module_number UNIQUE (module_id, scene_number)
);

CREATE TABLE IF NOT EXISTS knowledge_checks (
    module_id TEXT PRIMARY KEY REFERENCES modules(id) ON DELETE CASCADE,
    title TEXT NOT NULL DEFAULT '',
    questions JSONB NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS avatars (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    provider_ref TEXT NOT NULL,
    image_url TEXT NOT NULL DEFAULT '',
    training_status VARCHAR(16) NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
`,
	},
	{
		Version: 2,
		Name:    "create_render_tasks",
		UpSQL: `
CREATE TABLE IF NOT EXISTS render_tasks (
    task_id TEXT PRIMARY KEY,
    target_type VARCHAR(8) NOT NULL,
    target_id TEXT NOT NULL,
    course_id TEXT NOT NULL DEFAULT '',
    status VARCHAR(16) NOT NULL,
    inputs JSONB,
    result JSONB,
    error JSONB,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    started_at TIMESTAMP WITH TIME ZONE,
    completed_at TIMESTAMP WITH TIME ZONE,
    CONSTRAINT valid_target_type CHECK (target_type IN ('SCENE', 'MODULE')),
    CONSTRAINT valid_status CHECK (status IN ('PENDING', 'RUNNING', 'SUCCESS', 'FAILURE'))
);
CREATE INDEX IF NOT EXISTS idx_render_tasks_target ON render_tasks(target_type, target_id, created_at);

-- at most one in-flight task per target
CREATE UNIQUE INDEX IF NOT EXISTS idx_render_tasks_active
    ON render_tasks(target_type, target_id) WHERE status IN ('PENDING', 'RUNNING');
`,
	},
	{
		Version: 3,
		Name:    "add_created_by",
		UpSQL: `
ALTER TABLE courses ADD COLUMN IF NOT EXISTS created_by TEXT NOT NULL DEFAULT '';
ALTER TABLE avatars ADD COLUMN IF NOT EXISTS created_by TEXT NOT NULL DEFAULT '';
`,
	},
}

// Migrate applies every migration not yet recorded in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("postgres store: create migrations table: %w", err)
	}

	rows, err := s.pool.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("postgres store: read migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		err := s.withTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres store: migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}
