// Package store provides the persistence adapters behind core.Store: a
// SQLite implementation for durable workspaces and an in-memory one for
// tests and ephemeral sessions.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/arranger-ai/arranger/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/0001_initial_schema.sql
var migrationV1 string

// SQLiteStore implements core.Store with SQLite storage. All timestamps are
// persisted as epoch milliseconds.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB
	mu     sync.RWMutex
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and runs
// pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{dbPath: dbPath, db: db}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, run initial migration
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// --- tasks ---

const taskColumns = `id, session_id, title, intent, scope, priority, labels, status,
	assigned_to, created_by, parent_task_id, dependencies, retry_count, max_retries,
	timeout_seconds, run_after, last_started_at, result, result_details, failure_reason,
	status_reason, metadata, created_at, updated_at, status_updated, completed_at`

// CreateTask inserts a task and its label index rows.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.NewStoreFailure("creating task", err)
	}
	defer func() { _ = tx.Rollback() }()

	labels, err := encodeJSON(task.Labels)
	if err != nil {
		return core.NewStoreFailure("encoding task labels", err)
	}
	deps, err := encodeJSON(task.Dependencies)
	if err != nil {
		return core.NewStoreFailure("encoding task dependencies", err)
	}
	meta, err := encodeJSON(task.Metadata)
	if err != nil {
		return core.NewStoreFailure("encoding task metadata", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID, task.SessionID, task.Title, task.Intent, task.Scope,
		string(task.Priority), labels, string(task.Status),
		task.AssignedTo, task.CreatedBy, task.ParentTaskID, deps,
		task.RetryCount, task.MaxRetries, task.TimeoutSeconds,
		toNullMillis(task.RunAfter), toNullMillis(task.LastStartedAt),
		task.Result, task.ResultDetails, task.FailureReason,
		task.StatusReason, meta,
		toMillis(task.CreatedAt), toMillis(task.UpdatedAt),
		toMillis(task.StatusUpdated), toNullMillis(task.CompletedAt),
	)
	if err != nil {
		return core.NewStoreFailure("inserting task", err)
	}

	if err := replaceTaskLabels(ctx, tx, task.ID, task.Labels); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return core.NewStoreFailure("committing task insert", err)
	}
	return nil
}

// GetTask loads a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, core.NewTaskNotFound(id)
	}
	if err != nil {
		return nil, core.NewStoreFailure("loading task", err)
	}
	return task, nil
}

// UpdateTask replaces the stored row and rebuilds the label index.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.NewStoreFailure("updating task", err)
	}
	defer func() { _ = tx.Rollback() }()

	labels, err := encodeJSON(task.Labels)
	if err != nil {
		return core.NewStoreFailure("encoding task labels", err)
	}
	deps, err := encodeJSON(task.Dependencies)
	if err != nil {
		return core.NewStoreFailure("encoding task dependencies", err)
	}
	meta, err := encodeJSON(task.Metadata)
	if err != nil {
		return core.NewStoreFailure("encoding task metadata", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			session_id = ?, title = ?, intent = ?, scope = ?, priority = ?,
			labels = ?, status = ?, assigned_to = ?, created_by = ?,
			parent_task_id = ?, dependencies = ?, retry_count = ?,
			max_retries = ?, timeout_seconds = ?, run_after = ?,
			last_started_at = ?, result = ?, result_details = ?,
			failure_reason = ?, status_reason = ?, metadata = ?, updated_at = ?,
			status_updated = ?, completed_at = ?
		WHERE id = ?
	`,
		task.SessionID, task.Title, task.Intent, task.Scope, string(task.Priority),
		labels, string(task.Status), task.AssignedTo, task.CreatedBy,
		task.ParentTaskID, deps, task.RetryCount,
		task.MaxRetries, task.TimeoutSeconds, toNullMillis(task.RunAfter),
		toNullMillis(task.LastStartedAt), task.Result, task.ResultDetails,
		task.FailureReason, task.StatusReason, meta, toMillis(task.UpdatedAt),
		toMillis(task.StatusUpdated), toNullMillis(task.CompletedAt),
		task.ID,
	)
	if err != nil {
		return core.NewStoreFailure("updating task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.NewStoreFailure("updating task", err)
	}
	if n == 0 {
		return core.NewTaskNotFound(task.ID)
	}

	if err := replaceTaskLabels(ctx, tx, task.ID, task.Labels); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return core.NewStoreFailure("committing task update", err)
	}
	return nil
}

// ListTasks returns tasks matching the filter in creation order.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []interface{}

	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if len(filter.Statuses) > 0 {
		ph := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if filter.AssignedTo != "" {
		conds = append(conds, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if filter.ParentTaskID != "" {
		conds = append(conds, "parent_task_id = ?")
		args = append(args, filter.ParentTaskID)
	}
	if filter.Label != "" {
		conds = append(conds, "id IN (SELECT task_id FROM task_labels WHERE label = ?)")
		args = append(args, filter.Label)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewStoreFailure("listing tasks", err)
	}
	defer rows.Close()

	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, core.NewStoreFailure("scanning task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStoreFailure("iterating tasks", err)
	}
	return tasks, nil
}

// FindTaskByLabel returns the oldest task carrying the label, or nil.
func (s *SQLiteStore) FindTaskByLabel(ctx context.Context, label string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+prefixedTaskColumns("t")+`
		FROM tasks t
		JOIN task_labels tl ON tl.task_id = t.id
		WHERE tl.label = ?
		ORDER BY t.created_at ASC, t.id ASC
		LIMIT 1
	`, label)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewStoreFailure("finding task by label", err)
	}
	return task, nil
}

// CountAgentLoad counts non-terminal tasks assigned to or created by the agent.
func (s *SQLiteStore) CountAgentLoad(ctx context.Context, agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE (assigned_to = ? OR created_by = ?)
		  AND status NOT IN ('completed', 'failed')
	`, agentID, agentID).Scan(&n)
	if err != nil {
		return 0, core.NewStoreFailure("counting agent load", err)
	}
	return n, nil
}

func replaceTaskLabels(ctx context.Context, tx *sql.Tx, taskID string, labels []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM task_labels WHERE task_id = ?", taskID); err != nil {
		return core.NewStoreFailure("clearing task labels", err)
	}
	for _, label := range labels {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO task_labels (task_id, label) VALUES (?, ?)",
			taskID, label); err != nil {
			return core.NewStoreFailure("indexing task label", err)
		}
	}
	return nil
}

func prefixedTaskColumns(alias string) string {
	cols := strings.Split(taskColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// rowScanner lets scanTask work for both QueryRow and Query results.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*core.Task, error) {
	var task core.Task
	var priority, status string
	var labels, deps, meta sql.NullString
	var runAfter, lastStarted, completedAt sql.NullInt64
	var createdAt, updatedAt, statusUpdated int64

	err := row.Scan(
		&task.ID, &task.SessionID, &task.Title, &task.Intent, &task.Scope,
		&priority, &labels, &status, &task.AssignedTo, &task.CreatedBy,
		&task.ParentTaskID, &deps, &task.RetryCount, &task.MaxRetries,
		&task.TimeoutSeconds, &runAfter, &lastStarted, &task.Result,
		&task.ResultDetails, &task.FailureReason, &task.StatusReason, &meta,
		&createdAt, &updatedAt, &statusUpdated, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Priority = core.TaskPriority(priority)
	task.Status = core.TaskStatus(status)
	if task.Labels, err = decodeStrings(labels); err != nil {
		return nil, fmt.Errorf("decoding task labels: %w", err)
	}
	if task.Dependencies, err = decodeStrings(deps); err != nil {
		return nil, fmt.Errorf("decoding task dependencies: %w", err)
	}
	if task.Metadata, err = decodeMeta(meta); err != nil {
		return nil, fmt.Errorf("decoding task metadata: %w", err)
	}
	task.RunAfter = fromNullMillis(runAfter)
	task.LastStartedAt = fromNullMillis(lastStarted)
	task.CompletedAt = fromNullMillis(completedAt)
	task.CreatedAt = fromMillis(createdAt)
	task.UpdatedAt = fromMillis(updatedAt)
	task.StatusUpdated = fromMillis(statusUpdated)
	return &task, nil
}

// --- messages ---

// CreateMessage inserts a blackboard entry.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, err := encodeJSON(msg.Tags)
	if err != nil {
		return core.NewStoreFailure("encoding message tags", err)
	}
	mentions, err := encodeJSON(msg.Mentions)
	if err != nil {
		return core.NewStoreFailure("encoding message mentions", err)
	}
	payload, err := encodeJSON(msg.Payload)
	if err != nil {
		return core.NewStoreFailure("encoding message payload", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, agent_id, message_type, content,
			tags, mentions, category, visibility, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID, msg.SessionID, msg.AgentID, string(msg.MessageType), msg.Content,
		tags, mentions, msg.Category, string(msg.Visibility), payload,
		toMillis(msg.CreatedAt),
	)
	if err != nil {
		return core.NewStoreFailure("inserting message", err)
	}
	return nil
}

// GetMessage loads a message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, agent_id, message_type, content, tags, mentions,
			category, visibility, payload, created_at
		FROM messages WHERE id = ?
	`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFound("MESSAGE_NOT_FOUND", "message", id)
	}
	if err != nil {
		return nil, core.NewStoreFailure("loading message", err)
	}
	return msg, nil
}

// ListMessages returns session messages in creation order. A positive limit
// keeps only the most recent entries.
func (s *SQLiteStore) ListMessages(ctx context.Context, filter core.MessageFilter) ([]*core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	base := `SELECT id, session_id, agent_id, message_type, content, tags, mentions,
		category, visibility, payload, created_at FROM messages`
	var args []interface{}
	if filter.SessionID != "" {
		base += " WHERE session_id = ?"
		args = append(args, filter.SessionID)
	}

	query := base + " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query = `SELECT * FROM (` + base + ` ORDER BY created_at DESC, id DESC LIMIT ?)
			ORDER BY created_at ASC, id ASC`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewStoreFailure("listing messages", err)
	}
	defer rows.Close()

	var msgs []*core.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, core.NewStoreFailure("scanning message", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStoreFailure("iterating messages", err)
	}
	return msgs, nil
}

// UpdateMessageTags replaces a message's tag set.
func (s *SQLiteStore) UpdateMessageTags(ctx context.Context, id string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := encodeJSON(tags)
	if err != nil {
		return core.NewStoreFailure("encoding message tags", err)
	}
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET tags = ? WHERE id = ?", encoded, id)
	if err != nil {
		return core.NewStoreFailure("updating message tags", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.NewStoreFailure("updating message tags", err)
	}
	if n == 0 {
		return core.NewNotFound("MESSAGE_NOT_FOUND", "message", id)
	}
	return nil
}

func scanMessage(row rowScanner) (*core.Message, error) {
	var msg core.Message
	var msgType, visibility string
	var tags, mentions, payload sql.NullString
	var createdAt int64

	err := row.Scan(&msg.ID, &msg.SessionID, &msg.AgentID, &msgType, &msg.Content,
		&tags, &mentions, &msg.Category, &visibility, &payload, &createdAt)
	if err != nil {
		return nil, err
	}

	msg.MessageType = core.MessageType(msgType)
	msg.Visibility = core.MessageVisibility(visibility)
	if msg.Tags, err = decodeStrings(tags); err != nil {
		return nil, fmt.Errorf("decoding message tags: %w", err)
	}
	if msg.Mentions, err = decodeStrings(mentions); err != nil {
		return nil, fmt.Errorf("decoding message mentions: %w", err)
	}
	if msg.Payload, err = decodeMeta(payload); err != nil {
		return nil, fmt.Errorf("decoding message payload: %w", err)
	}
	msg.CreatedAt = fromMillis(createdAt)
	return &msg, nil
}

// --- approvals ---

// CreateApproval inserts an approval request.
func (s *SQLiteStore) CreateApproval(ctx context.Context, approval *core.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, task_id, created_by, approver_id, decision,
			reason, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		approval.ID, approval.TaskID, approval.CreatedBy, approval.ApproverID,
		string(approval.Decision), approval.Reason,
		toMillis(approval.CreatedAt), toNullMillis(approval.ResolvedAt),
	)
	if err != nil {
		return core.NewStoreFailure("inserting approval", err)
	}
	return nil
}

// GetApproval loads an approval by id.
func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*core.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, created_by, approver_id, decision, reason, created_at, resolved_at
		FROM approvals WHERE id = ?
	`, id)
	approval, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFound(core.CodeApprovalNotFound, "approval", id)
	}
	if err != nil {
		return nil, core.NewStoreFailure("loading approval", err)
	}
	return approval, nil
}

// UpdateApproval replaces the stored approval.
func (s *SQLiteStore) UpdateApproval(ctx context.Context, approval *core.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET task_id = ?, created_by = ?, approver_id = ?,
			decision = ?, reason = ?, resolved_at = ?
		WHERE id = ?
	`,
		approval.TaskID, approval.CreatedBy, approval.ApproverID,
		string(approval.Decision), approval.Reason,
		toNullMillis(approval.ResolvedAt), approval.ID,
	)
	if err != nil {
		return core.NewStoreFailure("updating approval", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.NewStoreFailure("updating approval", err)
	}
	if n == 0 {
		return core.NewNotFound(core.CodeApprovalNotFound, "approval", approval.ID)
	}
	return nil
}

// ListApprovals returns approvals matching the filter in creation order.
func (s *SQLiteStore) ListApprovals(ctx context.Context, filter core.ApprovalFilter) ([]*core.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, task_id, created_by, approver_id, decision, reason, created_at, resolved_at
		FROM approvals`
	var conds []string
	var args []interface{}
	if filter.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.ApproverID != "" {
		conds = append(conds, "approver_id = ?")
		args = append(args, filter.ApproverID)
	}
	if filter.Decision != "" {
		conds = append(conds, "decision = ?")
		args = append(args, string(filter.Decision))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewStoreFailure("listing approvals", err)
	}
	defer rows.Close()

	var approvals []*core.Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, core.NewStoreFailure("scanning approval", err)
		}
		approvals = append(approvals, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStoreFailure("iterating approvals", err)
	}
	return approvals, nil
}

func scanApproval(row rowScanner) (*core.Approval, error) {
	var approval core.Approval
	var decision string
	var createdAt int64
	var resolvedAt sql.NullInt64

	err := row.Scan(&approval.ID, &approval.TaskID, &approval.CreatedBy,
		&approval.ApproverID, &decision, &approval.Reason, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	approval.Decision = core.ApprovalDecision(decision)
	approval.CreatedAt = fromMillis(createdAt)
	approval.ResolvedAt = fromNullMillis(resolvedAt)
	return &approval, nil
}

// --- votes ---

// CreateTopic inserts a vote topic.
func (s *SQLiteStore) CreateTopic(ctx context.Context, topic *core.VoteTopic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	roles, err := encodeJSON(topic.RequiredRoles)
	if err != nil {
		return core.NewStoreFailure("encoding topic roles", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vote_topics (id, session_id, subject, description, vote_type,
			required_roles, timeout_at, status, outcome, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		topic.ID, topic.SessionID, topic.Subject, topic.Description,
		string(topic.VoteType), roles, toMillis(topic.TimeoutAt),
		string(topic.Status), string(topic.Outcome),
		toMillis(topic.CreatedAt), toNullMillis(topic.ResolvedAt),
	)
	if err != nil {
		return core.NewStoreFailure("inserting vote topic", err)
	}
	return nil
}

// GetTopic loads a vote topic by id.
func (s *SQLiteStore) GetTopic(ctx context.Context, id string) (*core.VoteTopic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, subject, description, vote_type, required_roles,
			timeout_at, status, outcome, created_at, resolved_at
		FROM vote_topics WHERE id = ?
	`, id)
	topic, err := scanTopic(row)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFound(core.CodeTopicNotFound, "vote topic", id)
	}
	if err != nil {
		return nil, core.NewStoreFailure("loading vote topic", err)
	}
	return topic, nil
}

// UpdateTopic replaces the stored topic.
func (s *SQLiteStore) UpdateTopic(ctx context.Context, topic *core.VoteTopic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	roles, err := encodeJSON(topic.RequiredRoles)
	if err != nil {
		return core.NewStoreFailure("encoding topic roles", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE vote_topics SET session_id = ?, subject = ?, description = ?,
			vote_type = ?, required_roles = ?, timeout_at = ?, status = ?,
			outcome = ?, resolved_at = ?
		WHERE id = ?
	`,
		topic.SessionID, topic.Subject, topic.Description, string(topic.VoteType),
		roles, toMillis(topic.TimeoutAt), string(topic.Status),
		string(topic.Outcome), toNullMillis(topic.ResolvedAt), topic.ID,
	)
	if err != nil {
		return core.NewStoreFailure("updating vote topic", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.NewStoreFailure("updating vote topic", err)
	}
	if n == 0 {
		return core.NewNotFound(core.CodeTopicNotFound, "vote topic", topic.ID)
	}
	return nil
}

// ListTopics returns topics matching the filter in creation order.
func (s *SQLiteStore) ListTopics(ctx context.Context, filter core.TopicFilter) ([]*core.VoteTopic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, session_id, subject, description, vote_type, required_roles,
		timeout_at, status, outcome, created_at, resolved_at FROM vote_topics`
	var conds []string
	var args []interface{}
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewStoreFailure("listing vote topics", err)
	}
	defer rows.Close()

	var topics []*core.VoteTopic
	for rows.Next() {
		topic, err := scanTopic(rows)
		if err != nil {
			return nil, core.NewStoreFailure("scanning vote topic", err)
		}
		topics = append(topics, topic)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStoreFailure("iterating vote topics", err)
	}
	return topics, nil
}

// CreateVote records a single agent's cast. A second cast on the same topic
// fails with DuplicateVote.
func (s *SQLiteStore) CreateVote(ctx context.Context, vote *core.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (topic_id, agent_id, decision, reason, cast_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		vote.TopicID, vote.AgentID, string(vote.Decision), vote.Reason,
		toMillis(vote.CastAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.NewDuplicateVote(vote.TopicID, vote.AgentID)
		}
		return core.NewStoreFailure("inserting vote", err)
	}
	return nil
}

// ListVotes returns all votes cast on a topic in cast order.
func (s *SQLiteStore) ListVotes(ctx context.Context, topicID string) ([]*core.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT topic_id, agent_id, decision, reason, cast_at
		FROM votes WHERE topic_id = ?
		ORDER BY cast_at ASC, agent_id ASC
	`, topicID)
	if err != nil {
		return nil, core.NewStoreFailure("listing votes", err)
	}
	defer rows.Close()

	var votes []*core.Vote
	for rows.Next() {
		var vote core.Vote
		var decision string
		var castAt int64
		if err := rows.Scan(&vote.TopicID, &vote.AgentID, &decision, &vote.Reason, &castAt); err != nil {
			return nil, core.NewStoreFailure("scanning vote", err)
		}
		vote.Decision = core.VoteDecision(decision)
		vote.CastAt = fromMillis(castAt)
		votes = append(votes, &vote)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStoreFailure("iterating votes", err)
	}
	return votes, nil
}

func scanTopic(row rowScanner) (*core.VoteTopic, error) {
	var topic core.VoteTopic
	var voteType, status, outcome string
	var roles sql.NullString
	var timeoutAt, createdAt int64
	var resolvedAt sql.NullInt64

	err := row.Scan(&topic.ID, &topic.SessionID, &topic.Subject, &topic.Description,
		&voteType, &roles, &timeoutAt, &status, &outcome, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	topic.VoteType = core.VoteType(voteType)
	topic.Status = core.TopicStatus(status)
	topic.Outcome = core.VoteDecision(outcome)
	if topic.RequiredRoles, err = decodeStrings(roles); err != nil {
		return nil, fmt.Errorf("decoding topic roles: %w", err)
	}
	topic.TimeoutAt = fromMillis(timeoutAt)
	topic.CreatedAt = fromMillis(createdAt)
	topic.ResolvedAt = fromNullMillis(resolvedAt)
	return &topic, nil
}

// --- proofs ---

// SaveProof upserts a proof by id.
func (s *SQLiteStore) SaveProof(ctx context.Context, proof *core.Proof) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acks, err := encodeJSON(proof.Acknowledgers)
	if err != nil {
		return core.NewStoreFailure("encoding proof acknowledgers", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proofs (id, workflow_instance_id, phase_id, type, task_id,
			evidence_uri, hash, acknowledgers, attestation_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow_instance_id = excluded.workflow_instance_id,
			phase_id = excluded.phase_id,
			type = excluded.type,
			task_id = excluded.task_id,
			evidence_uri = excluded.evidence_uri,
			hash = excluded.hash,
			acknowledgers = excluded.acknowledgers,
			attestation_status = excluded.attestation_status
	`,
		proof.ID, proof.WorkflowInstanceID, proof.PhaseID, string(proof.Type),
		proof.TaskID, proof.EvidenceURI, proof.Hash, acks,
		string(proof.AttestationStatus), toMillis(proof.CreatedAt),
	)
	if err != nil {
		return core.NewStoreFailure("saving proof", err)
	}
	return nil
}

// ListProofs returns an instance's proofs in creation order.
func (s *SQLiteStore) ListProofs(ctx context.Context, instanceID string) ([]*core.Proof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_instance_id, phase_id, type, task_id, evidence_uri,
			hash, acknowledgers, attestation_status, created_at
		FROM proofs WHERE workflow_instance_id = ?
		ORDER BY created_at ASC, id ASC
	`, instanceID)
	if err != nil {
		return nil, core.NewStoreFailure("listing proofs", err)
	}
	defer rows.Close()

	var proofs []*core.Proof
	for rows.Next() {
		var proof core.Proof
		var ptype, attStatus string
		var acks sql.NullString
		var createdAt int64
		err := rows.Scan(&proof.ID, &proof.WorkflowInstanceID, &proof.PhaseID,
			&ptype, &proof.TaskID, &proof.EvidenceURI, &proof.Hash, &acks,
			&attStatus, &createdAt)
		if err != nil {
			return nil, core.NewStoreFailure("scanning proof", err)
		}
		proof.Type = core.ProofType(ptype)
		proof.AttestationStatus = core.AttestationStatus(attStatus)
		if proof.Acknowledgers, err = decodeStrings(acks); err != nil {
			return nil, core.NewStoreFailure("decoding proof acknowledgers", err)
		}
		proof.CreatedAt = fromMillis(createdAt)
		proofs = append(proofs, &proof)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStoreFailure("iterating proofs", err)
	}
	return proofs, nil
}

// --- locks ---

// AcquireLock claims the resource atomically. The upsert only fires when the
// existing lock is expired or held by the same holder, so a single statement
// decides contention.
func (s *SQLiteStore) AcquireLock(ctx context.Context, resource, holderID, sessionID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (resource, holder_id, session_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(resource) DO UPDATE SET
			holder_id = excluded.holder_id,
			session_id = excluded.session_id,
			expires_at = excluded.expires_at
		WHERE locks.expires_at <= excluded.created_at
		   OR locks.holder_id = excluded.holder_id
	`,
		resource, holderID, sessionID,
		toMillis(now.Add(ttl)), toMillis(now),
	)
	if err != nil {
		return false, core.NewStoreFailure("acquiring lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, core.NewStoreFailure("acquiring lock", err)
	}
	return n > 0, nil
}

// ReleaseLock drops the lock when held by holderID. Releasing a lock that is
// absent or held by someone else is a no-op.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, resource, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM locks WHERE resource = ? AND holder_id = ?", resource, holderID)
	if err != nil {
		return core.NewStoreFailure("releasing lock", err)
	}
	return nil
}

// GetLock returns the current lock row for the resource, or nil.
func (s *SQLiteStore) GetLock(ctx context.Context, resource string) (*core.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lock core.Lock
	var expiresAt, createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT resource, holder_id, session_id, expires_at, created_at
		FROM locks WHERE resource = ?
	`, resource).Scan(&lock.Resource, &lock.HolderID, &lock.SessionID, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewStoreFailure("loading lock", err)
	}
	lock.ExpiresAt = fromMillis(expiresAt)
	lock.CreatedAt = fromMillis(createdAt)
	return &lock, nil
}

// ReleaseLocksByHolder drops every lock held by holderID and reports how
// many were released.
func (s *SQLiteStore) ReleaseLocksByHolder(ctx context.Context, holderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM locks WHERE holder_id = ?", holderID)
	if err != nil {
		return 0, core.NewStoreFailure("releasing holder locks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, core.NewStoreFailure("releasing holder locks", err)
	}
	return int(n), nil
}

// PurgeExpiredLocks drops locks expired at now and reports how many.
func (s *SQLiteStore) PurgeExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM locks WHERE expires_at <= ?", toMillis(now))
	if err != nil {
		return 0, core.NewStoreFailure("purging expired locks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, core.NewStoreFailure("purging expired locks", err)
	}
	return int(n), nil
}

// --- notifications ---

// CreateNotification inserts a user-visible notice.
func (s *SQLiteStore) CreateNotification(ctx context.Context, n *core.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := encodeJSON(n.Meta)
	if err != nil {
		return core.NewStoreFailure("encoding notification meta", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, level, title, body, session_id, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		n.ID, string(n.Level), n.Title, n.Body, n.SessionID, meta, toMillis(n.CreatedAt),
	)
	if err != nil {
		return core.NewStoreFailure("inserting notification", err)
	}
	return nil
}

// ListNotifications returns the most recent notices, newest first.
func (s *SQLiteStore) ListNotifications(ctx context.Context, limit int) ([]*core.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, level, title, body, session_id, meta, created_at
		FROM notifications ORDER BY created_at DESC, id DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewStoreFailure("listing notifications", err)
	}
	defer rows.Close()

	var notices []*core.Notification
	for rows.Next() {
		var n core.Notification
		var level string
		var meta sql.NullString
		var createdAt int64
		if err := rows.Scan(&n.ID, &level, &n.Title, &n.Body, &n.SessionID, &meta, &createdAt); err != nil {
			return nil, core.NewStoreFailure("scanning notification", err)
		}
		n.Level = core.NotificationLevel(level)
		if n.Meta, err = decodeMeta(meta); err != nil {
			return nil, core.NewStoreFailure("decoding notification meta", err)
		}
		n.CreatedAt = fromMillis(createdAt)
		notices = append(notices, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStoreFailure("iterating notifications", err)
	}
	return notices, nil
}

// --- agents ---

// CreateAgent inserts an agent registration.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *core.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	roles, err := encodeJSON(agent.Roles)
	if err != nil {
		return core.NewStoreFailure("encoding agent roles", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, roles, status, is_enabled, last_heartbeat_at,
			active_task_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		agent.ID, agent.Name, roles, string(agent.Status), boolToInt(agent.IsEnabled),
		toNullMillis(agent.LastHeartbeatAt), agent.ActiveTaskID,
		toMillis(agent.CreatedAt), toMillis(agent.UpdatedAt),
	)
	if err != nil {
		return core.NewStoreFailure("inserting agent", err)
	}
	return nil
}

// GetAgent loads an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, roles, status, is_enabled, last_heartbeat_at,
			active_task_id, created_at, updated_at
		FROM agents WHERE id = ?
	`, id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFound(core.CodeAgentNotFound, "agent", id)
	}
	if err != nil {
		return nil, core.NewStoreFailure("loading agent", err)
	}
	return agent, nil
}

// UpdateAgent replaces the stored agent.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *core.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	roles, err := encodeJSON(agent.Roles)
	if err != nil {
		return core.NewStoreFailure("encoding agent roles", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, roles = ?, status = ?, is_enabled = ?,
			last_heartbeat_at = ?, active_task_id = ?, updated_at = ?
		WHERE id = ?
	`,
		agent.Name, roles, string(agent.Status), boolToInt(agent.IsEnabled),
		toNullMillis(agent.LastHeartbeatAt), agent.ActiveTaskID,
		toMillis(agent.UpdatedAt), agent.ID,
	)
	if err != nil {
		return core.NewStoreFailure("updating agent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.NewStoreFailure("updating agent", err)
	}
	if n == 0 {
		return core.NewNotFound(core.CodeAgentNotFound, "agent", agent.ID)
	}
	return nil
}

// ListAgents returns agents, optionally restricted to assignable ones.
func (s *SQLiteStore) ListAgents(ctx context.Context, filter core.AgentFilter) ([]*core.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, name, roles, status, is_enabled, last_heartbeat_at,
		active_task_id, created_at, updated_at FROM agents`
	if filter.OnlyAssignable {
		query += " WHERE is_enabled = 1 AND status = 'online'"
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, core.NewStoreFailure("listing agents", err)
	}
	defer rows.Close()

	var agents []*core.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, core.NewStoreFailure("scanning agent", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStoreFailure("iterating agents", err)
	}
	return agents, nil
}

// UpdateAgentHeartbeat stamps the agent's liveness time.
func (s *SQLiteStore) UpdateAgentHeartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE agents SET last_heartbeat_at = ?, updated_at = ? WHERE id = ?",
		toMillis(at), toMillis(at), id)
	if err != nil {
		return core.NewStoreFailure("updating agent heartbeat", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.NewStoreFailure("updating agent heartbeat", err)
	}
	if n == 0 {
		return core.NewNotFound(core.CodeAgentNotFound, "agent", id)
	}
	return nil
}

func scanAgent(row rowScanner) (*core.Agent, error) {
	var agent core.Agent
	var status string
	var roles sql.NullString
	var enabled int
	var heartbeat sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&agent.ID, &agent.Name, &roles, &status, &enabled,
		&heartbeat, &agent.ActiveTaskID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	agent.Status = core.AgentStatus(status)
	agent.IsEnabled = enabled != 0
	if agent.Roles, err = decodeStrings(roles); err != nil {
		return nil, fmt.Errorf("decoding agent roles: %w", err)
	}
	agent.LastHeartbeatAt = fromNullMillis(heartbeat)
	agent.CreatedAt = fromMillis(createdAt)
	agent.UpdatedAt = fromMillis(updatedAt)
	return &agent, nil
}

// --- workflow instances ---

// SaveInstance upserts an instance snapshot. Phase state is stored as one
// JSON document; the kernel is the authority and snapshots exist for
// recovery and external reads.
func (s *SQLiteStore) SaveInstance(ctx context.Context, inst *core.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := encodeJSON(inst.Metadata)
	if err != nil {
		return core.NewStoreFailure("encoding instance metadata", err)
	}
	phases, err := json.Marshal(inst.PhaseState)
	if err != nil {
		return core.NewStoreFailure("encoding instance phase state", err)
	}
	active, err := encodeJSON(inst.ActivePhases)
	if err != nil {
		return core.NewStoreFailure("encoding instance active phases", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (id, workflow_id, session_id, status,
			metadata, phase_state, active_phases, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			session_id = excluded.session_id,
			status = excluded.status,
			metadata = excluded.metadata,
			phase_state = excluded.phase_state,
			active_phases = excluded.active_phases,
			updated_at = excluded.updated_at
	`,
		inst.ID, inst.WorkflowID, inst.SessionID, string(inst.Status),
		meta, string(phases), active,
		toMillis(inst.CreatedAt), toMillis(inst.UpdatedAt),
	)
	if err != nil {
		return core.NewStoreFailure("saving instance", err)
	}
	return nil
}

// GetInstance loads an instance snapshot by id.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*core.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, session_id, status, metadata, phase_state,
			active_phases, created_at, updated_at
		FROM workflow_instances WHERE id = ?
	`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, core.NewInstanceNotFound(id)
	}
	if err != nil {
		return nil, core.NewStoreFailure("loading instance", err)
	}
	return inst, nil
}

// ListInstances returns all instance snapshots in creation order.
func (s *SQLiteStore) ListInstances(ctx context.Context) ([]*core.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, session_id, status, metadata, phase_state,
			active_phases, created_at, updated_at
		FROM workflow_instances
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, core.NewStoreFailure("listing instances", err)
	}
	defer rows.Close()

	var instances []*core.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, core.NewStoreFailure("scanning instance", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStoreFailure("iterating instances", err)
	}
	return instances, nil
}

// DeleteInstance removes an instance snapshot.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM workflow_instances WHERE id = ?", id)
	if err != nil {
		return core.NewStoreFailure("deleting instance", err)
	}
	return nil
}

// FindInstanceBySession returns the newest instance for a session, or nil.
func (s *SQLiteStore) FindInstanceBySession(ctx context.Context, sessionID string) (*core.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, session_id, status, metadata, phase_state,
			active_phases, created_at, updated_at
		FROM workflow_instances WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, sessionID)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewStoreFailure("finding instance by session", err)
	}
	return inst, nil
}

func scanInstance(row rowScanner) (*core.WorkflowInstance, error) {
	var inst core.WorkflowInstance
	var status, phases string
	var meta, active sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&inst.ID, &inst.WorkflowID, &inst.SessionID, &status,
		&meta, &phases, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	inst.Status = core.InstanceStatus(status)
	if inst.Metadata, err = decodeMeta(meta); err != nil {
		return nil, fmt.Errorf("decoding instance metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(phases), &inst.PhaseState); err != nil {
		return nil, fmt.Errorf("decoding instance phase state: %w", err)
	}
	if inst.ActivePhases, err = decodeStrings(active); err != nil {
		return nil, fmt.Errorf("decoding instance active phases: %w", err)
	}
	inst.CreatedAt = fromMillis(createdAt)
	inst.UpdatedAt = fromMillis(updatedAt)
	return &inst, nil
}

// --- audit ---

// AppendThinkingLog appends one reasoning step.
func (s *SQLiteStore) AppendThinkingLog(ctx context.Context, entry *core.ThinkingLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	details, err := encodeJSON(entry.Details)
	if err != nil {
		return core.NewStoreFailure("encoding thinking log details", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO thinking_logs (task_id, agent_id, step, content, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.TaskID, entry.AgentID, entry.Step, entry.Content, details,
		toMillis(entry.CreatedAt),
	)
	if err != nil {
		return core.NewStoreFailure("appending thinking log", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListThinkingLogs returns a task's reasoning trail in append order.
func (s *SQLiteStore) ListThinkingLogs(ctx context.Context, taskID string) ([]*core.ThinkingLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, step, content, details, created_at
		FROM thinking_logs WHERE task_id = ?
		ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, core.NewStoreFailure("listing thinking logs", err)
	}
	defer rows.Close()

	var entries []*core.ThinkingLog
	for rows.Next() {
		var entry core.ThinkingLog
		var details sql.NullString
		var createdAt int64
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.AgentID, &entry.Step,
			&entry.Content, &details, &createdAt); err != nil {
			return nil, core.NewStoreFailure("scanning thinking log", err)
		}
		if entry.Details, err = decodeMeta(details); err != nil {
			return nil, core.NewStoreFailure("decoding thinking log details", err)
		}
		entry.CreatedAt = fromMillis(createdAt)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStoreFailure("iterating thinking logs", err)
	}
	return entries, nil
}

// RecordToolRun appends one tool invocation record.
func (s *SQLiteStore) RecordToolRun(ctx context.Context, run *core.ToolRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_runs (task_id, agent_id, tool, input, output, error,
			started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.TaskID, run.AgentID, run.Tool, run.Input, run.Output, run.Error,
		toMillis(run.StartedAt), toNullMillis(run.FinishedAt),
	)
	if err != nil {
		return core.NewStoreFailure("recording tool run", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		run.ID = id
	}
	return nil
}

// RecordFileChange appends one reported file change.
func (s *SQLiteStore) RecordFileChange(ctx context.Context, change *core.FileChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO file_changes (task_id, agent_id, path, change_type, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		change.TaskID, change.AgentID, change.Path, change.ChangeType,
		toMillis(change.CreatedAt),
	)
	if err != nil {
		return core.NewStoreFailure("recording file change", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		change.ID = id
	}
	return nil
}

// AppendGovernanceRecord appends one governance audit row.
func (s *SQLiteStore) AppendGovernanceRecord(ctx context.Context, rec *core.GovernanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	details, err := encodeJSON(rec.Details)
	if err != nil {
		return core.NewStoreFailure("encoding governance details", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO governance_history (kind, ref_id, session_id, summary, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		rec.Kind, rec.RefID, rec.SessionID, rec.Summary, details,
		toMillis(rec.CreatedAt),
	)
	if err != nil {
		return core.NewStoreFailure("appending governance record", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// ListGovernanceRecords returns the most recent governance rows, newest first.
func (s *SQLiteStore) ListGovernanceRecords(ctx context.Context, sessionID string, limit int) ([]*core.GovernanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, kind, ref_id, session_id, summary, details, created_at
		FROM governance_history`
	var args []interface{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewStoreFailure("listing governance records", err)
	}
	defer rows.Close()

	var records []*core.GovernanceRecord
	for rows.Next() {
		var rec core.GovernanceRecord
		var details sql.NullString
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.RefID, &rec.SessionID,
			&rec.Summary, &details, &createdAt); err != nil {
			return nil, core.NewStoreFailure("scanning governance record", err)
		}
		if rec.Details, err = decodeMeta(details); err != nil {
			return nil, core.NewStoreFailure("decoding governance details", err)
		}
		rec.CreatedAt = fromMillis(createdAt)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStoreFailure("iterating governance records", err)
	}
	return records, nil
}

// --- sessions ---

// SessionScenarios returns the merged scenario set recorded for a session.
func (s *SQLiteStore) SessionScenarios(ctx context.Context, sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var scenarios sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT scenarios FROM session_meta WHERE session_id = ?", sessionID).Scan(&scenarios)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewStoreFailure("loading session scenarios", err)
	}
	out, err := decodeStrings(scenarios)
	if err != nil {
		return nil, core.NewStoreFailure("decoding session scenarios", err)
	}
	return out, nil
}

// MergeSessionScenarios unions the given scenarios into the session's set,
// preserving first-seen order, and returns the merged set.
func (s *SQLiteStore) MergeSessionScenarios(ctx context.Context, sessionID string, scenarios []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT scenarios FROM session_meta WHERE session_id = ?", sessionID).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return nil, core.NewStoreFailure("loading session scenarios", err)
	}
	current, err := decodeStrings(existing)
	if err != nil {
		return nil, core.NewStoreFailure("decoding session scenarios", err)
	}

	merged := mergeStrings(current, scenarios)
	encoded, err := encodeJSON(merged)
	if err != nil {
		return nil, core.NewStoreFailure("encoding session scenarios", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_meta (session_id, scenarios, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			scenarios = excluded.scenarios,
			updated_at = excluded.updated_at
	`, sessionID, encoded, toMillis(time.Now()))
	if err != nil {
		return nil, core.NewStoreFailure("saving session scenarios", err)
	}
	return merged, nil
}

// --- helpers ---

func encodeJSON(v interface{}) (sql.NullString, error) {
	switch x := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case []string:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]interface{}:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeStrings(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeMeta(ns sql.NullString) (map[string]interface{}, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mergeStrings(current, extra []string) []string {
	seen := make(map[string]bool, len(current)+len(extra))
	merged := make([]string, 0, len(current)+len(extra))
	for _, s := range current {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	for _, s := range extra {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	return merged
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// Verify that SQLiteStore implements core.Store.
var _ core.Store = (*SQLiteStore)(nil)
