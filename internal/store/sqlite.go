package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/relay/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool, which
	// also makes ReleaseWorktree's transaction a true release-and-check-empty.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Codebases ---

func (s *SQLiteStore) CreateCodebase(ctx context.Context, c *models.Codebase) error {
	if c.ID == "" {
		c.ID = newULID()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	commandsJSON, err := marshalCommands(c.Commands)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO codebases (id, name, path, repo_url, commands, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Path, c.RepoURL, commandsJSON, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create codebase: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCodebase(ctx context.Context, id string) (*models.Codebase, error) {
	return s.getCodebaseWhere(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetCodebaseByName(ctx context.Context, name string) (*models.Codebase, error) {
	return s.getCodebaseWhere(ctx, "name = ?", name)
}

func (s *SQLiteStore) getCodebaseWhere(ctx context.Context, where string, arg any) (*models.Codebase, error) {
	c := &models.Codebase{}
	var commandsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, repo_url, commands, created_at, updated_at
		FROM codebases WHERE `+where, arg,
	).Scan(&c.ID, &c.Name, &c.Path, &c.RepoURL, &commandsJSON, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("codebase %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get codebase: %w", err)
	}
	if err := json.Unmarshal([]byte(commandsJSON), &c.Commands); err != nil {
		return nil, fmt.Errorf("parse codebase commands: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListCodebases(ctx context.Context) ([]*models.Codebase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, path, repo_url, commands, created_at, updated_at
		FROM codebases ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list codebases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var codebases []*models.Codebase
	for rows.Next() {
		c := &models.Codebase{}
		var commandsJSON string
		if err := rows.Scan(&c.ID, &c.Name, &c.Path, &c.RepoURL, &commandsJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan codebase: %w", err)
		}
		if err := json.Unmarshal([]byte(commandsJSON), &c.Commands); err != nil {
			return nil, fmt.Errorf("parse codebase commands: %w", err)
		}
		codebases = append(codebases, c)
	}
	return codebases, rows.Err()
}

func (s *SQLiteStore) UpdateCodebase(ctx context.Context, c *models.Codebase) error {
	c.UpdatedAt = time.Now().UTC()

	commandsJSON, err := marshalCommands(c.Commands)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE codebases SET name=?, path=?, repo_url=?, commands=?, updated_at=? WHERE id=?`,
		c.Name, c.Path, c.RepoURL, commandsJSON, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update codebase: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("codebase %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteCodebase(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, "DELETE FROM codebases WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete codebase: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("codebase %s: %w", id, ErrNotFound)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET codebase_id='', cwd='', worktree_path='', updated_at=? WHERE codebase_id=?",
		now, id); err != nil {
		return fmt.Errorf("unlink conversations: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET active=0, ended_at=? WHERE codebase_id=? AND active=1",
		now, id); err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func marshalCommands(commands map[string]models.CommandTemplate) (string, error) {
	if commands == nil {
		return "{}", nil
	}
	data, err := json.Marshal(commands)
	if err != nil {
		return "", fmt.Errorf("marshal codebase commands: %w", err)
	}
	return string(data), nil
}

// --- Conversations ---

const conversationColumns = `id, platform_type, platform_conversation_id, codebase_id, cwd, worktree_path, created_at, updated_at`

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	if c.ID == "" {
		c.ID = newULID()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Platform), c.PlatformConversationID, c.CodebaseID,
		c.Cwd, c.WorktreePath, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetConversationByPlatform(ctx context.Context, platform models.Platform, platformConversationID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		WHERE platform_type = ? AND platform_conversation_id = ?`,
		string(platform), platformConversationID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s/%s: %w", platform, platformConversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation by platform: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, codebaseID string) ([]*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	var args []any
	if codebaseID != "" {
		query += " WHERE codebase_id = ?"
		args = append(args, codebaseID)
	}
	query += " ORDER BY updated_at DESC"
	return s.queryConversations(ctx, query, args...)
}

func (s *SQLiteStore) ListConversationsByWorktreePath(ctx context.Context, path string) ([]*models.Conversation, error) {
	if path == "" {
		return nil, nil
	}
	return s.queryConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE worktree_path = ?`, path)
}

func (s *SQLiteStore) queryConversations(ctx context.Context, query string, args ...any) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conversations []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	c := &models.Conversation{}
	var platform string
	err := row.Scan(&c.ID, &platform, &c.PlatformConversationID, &c.CodebaseID,
		&c.Cwd, &c.WorktreePath, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Platform = models.Platform(platform)
	return c, nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, c *models.Conversation) error {
	c.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET codebase_id=?, cwd=?, worktree_path=?, updated_at=? WHERE id=?`,
		c.CodebaseID, c.Cwd, c.WorktreePath, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ReleaseWorktree(ctx context.Context, conversationID, resetCwd string) (string, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var path string
	err = tx.QueryRowContext(ctx,
		"SELECT worktree_path FROM conversations WHERE id = ?", conversationID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", 0, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return "", 0, fmt.Errorf("read worktree path: %w", err)
	}
	if path == "" {
		return "", 0, tx.Commit()
	}

	// The conversation's own reference must be cleared before counting
	// remaining referents, or it would perpetually count itself.
	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET worktree_path='', cwd=?, updated_at=? WHERE id=?",
		resetCwd, time.Now().UTC(), conversationID); err != nil {
		return "", 0, fmt.Errorf("clear worktree reference: %w", err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversations WHERE worktree_path = ?", path).Scan(&remaining); err != nil {
		return "", 0, fmt.Errorf("count worktree referents: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("commit tx: %w", err)
	}
	return path, remaining, nil
}

// --- Sessions ---

const sessionColumns = `id, conversation_id, codebase_id, resume_token, active, metadata, started_at, ended_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}

	metaJSON, err := json.Marshal(sess.Meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ConversationID, sess.CodebaseID, sess.ResumeToken,
		boolToInt(sess.Active), string(metaJSON), sess.StartedAt, sess.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetActiveSession(ctx context.Context, conversationID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE conversation_id = ? AND active = 1
		ORDER BY started_at DESC LIMIT 1`, conversationID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("active session for conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, conversationID string, limit int) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if conversationID != "" {
		query += " WHERE conversation_id = ?"
		args = append(args, conversationID)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var active int
	var metaJSON string
	var endedAt sql.NullTime

	err := row.Scan(&sess.ID, &sess.ConversationID, &sess.CodebaseID,
		&sess.ResumeToken, &active, &metaJSON, &sess.StartedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	sess.Active = active == 1
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if err := json.Unmarshal([]byte(metaJSON), &sess.Meta); err != nil {
		return nil, fmt.Errorf("parse session metadata: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	metaJSON, err := json.Marshal(sess.Meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET resume_token=?, active=?, metadata=?, ended_at=? WHERE id=?`,
		sess.ResumeToken, boolToInt(sess.Active), string(metaJSON), sess.EndedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ReplaceActiveSession(ctx context.Context, conversationID string, next *models.Session) error {
	if next.ID == "" {
		next.ID = newULID()
	}
	if next.StartedAt.IsZero() {
		next.StartedAt = time.Now().UTC()
	}
	next.ConversationID = conversationID
	next.Active = true

	metaJSON, err := json.Marshal(next.Meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET active=0, ended_at=? WHERE conversation_id=? AND active=1",
		now, conversationID); err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		next.ID, next.ConversationID, next.CodebaseID, next.ResumeToken,
		boolToInt(next.Active), string(metaJSON), next.StartedAt, next.EndedAt,
	); err != nil {
		return fmt.Errorf("create replacement session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
