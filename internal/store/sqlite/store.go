package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"helios/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	goal TEXT NOT NULL,
	state TEXT NOT NULL,
	rounds INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	structured_goal TEXT NOT NULL DEFAULT '',
	research_report TEXT NOT NULL DEFAULT '',
	feedback TEXT NOT NULL DEFAULT '',
	plan_version INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	speaker TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(session_id, seq),
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS plan_versions (
	session_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	goal TEXT NOT NULL,
	source TEXT NOT NULL,
	tasks TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY(session_id, version),
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_decision_log_session ON decision_log(session_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers; AppendMessage reads then writes in a
	// single transaction.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	// Databases created before plan_version existed.
	return s.ensureColumn(ctx, "sessions", "plan_version", "INTEGER NOT NULL DEFAULT 0")
}

func (s *Store) ensureColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid          int
			name, typ    string
			notNull, pk  int
			defaultValue sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return fmt.Errorf("scan %s columns: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s columns: %w", table, err)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}
	if session.State == "" {
		session.State = domain.StateInit
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions(id, goal, state, rounds, last_error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Goal, string(session.State), session.Rounds, session.LastError,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, goal, state, rounds, last_error, created_at, updated_at
		FROM sessions WHERE id = ?`,
		sessionID,
	)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("get session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, goal, state, rounds, last_error, created_at, updated_at
		FROM sessions ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return result, nil
}

func (s *Store) UpdateSession(ctx context.Context, session domain.Session) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET goal = ?, state = ?, rounds = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		session.Goal, string(session.State), session.Rounds, session.LastError, time.Now().UTC().Unix(), session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update session %s: %w", session.ID, ErrNotFound)
	}
	return nil
}

// SaveArtifacts stores goal, report and feedback. Plans live in plan_versions;
// the session only records which version is current, 0 after a reset.
func (s *Store) SaveArtifacts(ctx context.Context, sessionID string, artifacts domain.Artifacts) error {
	planVersion := 0
	if artifacts.Plan != nil {
		planVersion = artifacts.Plan.Version
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET structured_goal = ?, research_report = ?, feedback = ?, plan_version = ?, updated_at = ? WHERE id = ?`,
		jsonOrEmpty(artifacts.StructuredGoal), jsonOrEmpty(artifacts.ResearchReport), jsonOrEmpty(artifacts.Feedback),
		planVersion, time.Now().UTC().Unix(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("save artifacts: %w", err)
	}
	return nil
}

func (s *Store) LoadArtifacts(ctx context.Context, sessionID string) (domain.Artifacts, error) {
	var goal, report, feedback string
	var planVersion int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT structured_goal, research_report, feedback, plan_version FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&goal, &report, &feedback, &planVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Artifacts{}, fmt.Errorf("load artifacts %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return domain.Artifacts{}, fmt.Errorf("load artifacts: %w", err)
	}

	var artifacts domain.Artifacts
	if goal != "" {
		artifacts.StructuredGoal = &domain.StructuredGoal{}
		if err := json.Unmarshal([]byte(goal), artifacts.StructuredGoal); err != nil {
			return domain.Artifacts{}, fmt.Errorf("decode structured goal: %w", err)
		}
	}
	if report != "" {
		artifacts.ResearchReport = &domain.ResearchReport{}
		if err := json.Unmarshal([]byte(report), artifacts.ResearchReport); err != nil {
			return domain.Artifacts{}, fmt.Errorf("decode research report: %w", err)
		}
	}
	if feedback != "" {
		artifacts.Feedback = &domain.FeedbackRecord{}
		if err := json.Unmarshal([]byte(feedback), artifacts.Feedback); err != nil {
			return domain.Artifacts{}, fmt.Errorf("decode feedback: %w", err)
		}
	}

	if planVersion > 0 {
		plan, err := s.GetPlan(ctx, sessionID, planVersion)
		switch {
		case err == nil:
			artifacts.Plan = &plan
		case !errors.Is(err, ErrNotFound):
			return domain.Artifacts{}, err
		}
	}
	return artifacts, nil
}

// AppendMessage assigns the next sequence number of the session and returns
// the stored message.
func (s *Store) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, fmt.Errorf("begin tx append message: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var seq int
	if err := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_messages WHERE session_id = ?`,
		msg.SessionID,
	).Scan(&seq); err != nil {
		return domain.Message{}, fmt.Errorf("next message seq: %w", err)
	}
	msg.Seq = seq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO session_messages(id, session_id, seq, speaker, content, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Seq, string(msg.Speaker), msg.Content, msg.CreatedAt.Unix(),
	)
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC().Unix(), msg.SessionID); err != nil {
		return domain.Message{}, fmt.Errorf("touch session after message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Message{}, fmt.Errorf("commit append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the first limit messages of a session, 500 when limit
// is not positive.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, session_id, seq, speaker, content, created_at
		FROM session_messages
		WHERE session_id = ?
		ORDER BY seq ASC
		LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return scanMessages(rows)
}

// ListMessagesFrom returns every message with seq >= fromSeq, without a cap.
func (s *Store) ListMessagesFrom(ctx context.Context, sessionID string, fromSeq int) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, session_id, seq, speaker, content, created_at
		FROM session_messages
		WHERE session_id = ? AND seq >= ?
		ORDER BY seq ASC`,
		sessionID, fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages from %d: %w", fromSeq, err)
	}
	return scanMessages(rows)
}

// LatestRunStart returns the seq of the last goal message that opened a run,
// or 0 when the session has never run.
func (s *Store) LatestRunStart(ctx context.Context, sessionID string) (int, error) {
	var seq int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM session_messages
		WHERE session_id = ? AND speaker = ? AND substr(content, 1, length(?)) = ?`,
		sessionID, string(domain.RoleUser), domain.GoalMessagePrefix, domain.GoalMessagePrefix,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest run start: %w", err)
	}
	return seq, nil
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	defer rows.Close()

	result := make([]domain.Message, 0)
	for rows.Next() {
		var msg domain.Message
		var speaker string
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &speaker, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Speaker = domain.Role(speaker)
		msg.CreatedAt = unixToTime(createdAt)
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

func (s *Store) SavePlan(ctx context.Context, plan domain.Plan) error {
	tasks, err := json.Marshal(plan.Tasks)
	if err != nil {
		return fmt.Errorf("encode plan tasks: %w", err)
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO plan_versions(session_id, version, goal, source, tasks, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		plan.SessionID, plan.Version, plan.Goal, string(plan.Source), string(tasks), plan.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save plan v%d: %w", plan.Version, err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, sessionID string, version int) (domain.Plan, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT session_id, version, goal, source, tasks, created_at
		FROM plan_versions WHERE session_id = ? AND version = ?`,
		sessionID, version,
	)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Plan{}, fmt.Errorf("plan %s v%d: %w", sessionID, version, ErrNotFound)
	}
	if err != nil {
		return domain.Plan{}, fmt.Errorf("get plan: %w", err)
	}
	return plan, nil
}

func (s *Store) LatestPlan(ctx context.Context, sessionID string) (domain.Plan, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT session_id, version, goal, source, tasks, created_at
		FROM plan_versions WHERE session_id = ?
		ORDER BY version DESC LIMIT 1`,
		sessionID,
	)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Plan{}, fmt.Errorf("latest plan %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return domain.Plan{}, fmt.Errorf("latest plan: %w", err)
	}
	return plan, nil
}

func (s *Store) ListPlans(ctx context.Context, sessionID string) ([]domain.Plan, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT session_id, version, goal, source, tasks, created_at
		FROM plan_versions WHERE session_id = ?
		ORDER BY version ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Plan, 0)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		result = append(result, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(session_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Actor, entry.Action, entry.Reason, payload, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, sessionID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, session_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0, limit)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (domain.Session, error) {
	var session domain.Session
	var state string
	var created, updated int64
	if err := row.Scan(&session.ID, &session.Goal, &state, &session.Rounds, &session.LastError, &created, &updated); err != nil {
		return domain.Session{}, err
	}
	session.State = domain.State(state)
	session.CreatedAt = unixToTime(created)
	session.UpdatedAt = unixToTime(updated)
	return session, nil
}

func scanPlan(row scanner) (domain.Plan, error) {
	var plan domain.Plan
	var source, tasks string
	var created int64
	if err := row.Scan(&plan.SessionID, &plan.Version, &plan.Goal, &source, &tasks, &created); err != nil {
		return domain.Plan{}, err
	}
	if err := json.Unmarshal([]byte(tasks), &plan.Tasks); err != nil {
		return domain.Plan{}, fmt.Errorf("decode plan tasks: %w", err)
	}
	plan.Source = domain.PlanSource(source)
	plan.CreatedAt = unixToTime(created)
	return plan, nil
}

func jsonOrEmpty(v any) string {
	switch x := v.(type) {
	case *domain.StructuredGoal:
		if x == nil {
			return ""
		}
	case *domain.ResearchReport:
		if x == nil {
			return ""
		}
	case *domain.FeedbackRecord:
		if x == nil {
			return ""
		}
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(payload)
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
