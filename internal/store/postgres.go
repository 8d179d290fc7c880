package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, password_hash)
		VALUES ($1, LOWER($2), $3, $4)
	`, user.ID, user.Email, user.Username, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, created_at
		FROM users WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, created_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ── Projects & membership ──

// CreateProject inserts the project, its creator membership and the default
// chat in one transaction so a project never exists without either.
func (s *PostgresStore) CreateProject(ctx context.Context, project Project, creatorID string, defaultChat Chat) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, price, language) VALUES ($1, $2, $3, $4)
	`, project.ID, project.Name, project.Price, project.Language); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id) VALUES ($1, $2)
	`, project.ID, creatorID); err != nil {
		return fmt.Errorf("insert creator membership: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, project_id, name) VALUES ($1, $2, $3)
	`, defaultChat.ID, project.ID, defaultChat.Name); err != nil {
		return fmt.Errorf("insert default chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, price, language, created_at FROM projects WHERE id = $1
	`, projectID).Scan(&project.ID, &project.Name, &project.Price, &project.Language, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.price, p.language, p.created_at
		FROM projects p
		JOIN project_members pm ON pm.project_id = p.id
		WHERE pm.user_id = $1
		ORDER BY p.created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var project Project
		if err := rows.Scan(&project.ID, &project.Name, &project.Price, &project.Language, &project.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) UpdateProject(ctx context.Context, projectID, name string, price float64, language string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name = $2, price = $3, language = $4 WHERE id = $1
	`, projectID, name, price, language)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteProject cascades to memberships, invitations, tasks, chats and
// messages through foreign keys.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM project_members WHERE project_id = $1 AND user_id = $2)
	`, projectID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) AddProjectMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (project_id, user_id) DO NOTHING
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ProjectMemberCount(ctx context.Context, projectID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM project_members WHERE project_id = $1
	`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListProjectMembers(ctx context.Context, projectID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.email, u.username, u.created_at
		FROM users u
		JOIN project_members pm ON pm.user_id = u.id
		WHERE pm.project_id = $1
		ORDER BY pm.added_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Email, &user.Username, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// ── Invitations ──

func (s *PostgresStore) CreateInvitation(ctx context.Context, invitation Invitation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitations (id, project_id, inviter_id, invitee_id, status)
		VALUES ($1, $2, $3, $4, $5)
	`, invitation.ID, invitation.ProjectID, invitation.InviterID, invitation.InviteeID, invitation.Status)
	if err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvitation(ctx context.Context, invitationID string) (Invitation, error) {
	var invitation Invitation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, inviter_id, invitee_id, status, created_at
		FROM invitations WHERE id = $1
	`, invitationID).Scan(
		&invitation.ID, &invitation.ProjectID, &invitation.InviterID,
		&invitation.InviteeID, &invitation.Status, &invitation.CreatedAt,
	)
	if err != nil {
		return Invitation{}, err
	}
	return invitation, nil
}

func (s *PostgresStore) ListInvitationsForUser(ctx context.Context, userID string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.project_id, i.inviter_id, i.invitee_id, i.status, i.created_at,
		       inviter.username, invitee.email, p.name
		FROM invitations i
		JOIN users inviter ON inviter.id = i.inviter_id
		JOIN users invitee ON invitee.id = i.invitee_id
		JOIN projects p ON p.id = i.project_id
		WHERE i.invitee_id = $1
		ORDER BY i.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	var invitations []Invitation
	for rows.Next() {
		var invitation Invitation
		if err := rows.Scan(
			&invitation.ID, &invitation.ProjectID, &invitation.InviterID,
			&invitation.InviteeID, &invitation.Status, &invitation.CreatedAt,
			&invitation.InviterName, &invitation.InviteeEmail, &invitation.ProjectName,
		); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		invitations = append(invitations, invitation)
	}
	return invitations, rows.Err()
}

// AcceptInvitation transitions the invitation and adds the invitee to the
// project's membership as one transaction. The UPDATE is guarded by the
// pending status: of two concurrent responders exactly one sees a row
// transition, the other gets false.
func (s *PostgresStore) AcceptInvitation(ctx context.Context, invitationID, projectID, inviteeID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin accept invitation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE invitations SET status = 'accepted' WHERE id = $1 AND status = 'pending'
	`, invitationID)
	if err != nil {
		return false, fmt.Errorf("accept invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("accept invitation rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (project_id, user_id) DO NOTHING
	`, projectID, inviteeID); err != nil {
		return false, fmt.Errorf("add invitee membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit accept invitation: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) DeclineInvitation(ctx context.Context, invitationID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE invitations SET status = 'declined' WHERE id = $1 AND status = 'pending'
	`, invitationID)
	if err != nil {
		return false, fmt.Errorf("decline invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decline invitation rows: %w", err)
	}
	return affected > 0, nil
}

// ── Tasks ──

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, start_date, end_date, status, assigned_to_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, task.ID, task.ProjectID, task.Title, task.Description, task.StartDate, task.EndDate, task.Status, task.AssignedToID)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const taskColumns = `
	t.id, t.project_id, t.title, t.description, t.start_date, t.end_date, t.status, t.assigned_to_id,
	p.name, u.username
`

func (s *PostgresStore) scanTask(scanner interface{ Scan(...any) error }) (Task, error) {
	var task Task
	err := scanner.Scan(
		&task.ID, &task.ProjectID, &task.Title, &task.Description,
		&task.StartDate, &task.EndDate, &task.Status, &task.AssignedToID,
		&task.ProjectName, &task.AssignedToName,
	)
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		JOIN projects p ON p.id = t.project_id
		LEFT JOIN users u ON u.id = t.assigned_to_id
		WHERE t.id = $1
	`, taskID)
	return s.scanTask(row)
}

func (s *PostgresStore) ListTasksForUser(ctx context.Context, userID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		JOIN projects p ON p.id = t.project_id
		LEFT JOIN users u ON u.id = t.assigned_to_id
		WHERE t.assigned_to_id = $1
		ORDER BY t.start_date, t.created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for user: %w", err)
	}
	defer rows.Close()
	return s.collectTasks(rows)
}

func (s *PostgresStore) ListTasksByProject(ctx context.Context, projectID, status string) ([]Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks t
		JOIN projects p ON p.id = t.project_id
		LEFT JOIN users u ON u.id = t.assigned_to_id
		WHERE t.project_id = $1
	`
	args := []any{projectID}
	if status != "" {
		query += ` AND t.status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY t.start_date, t.created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks by project: %w", err)
	}
	defer rows.Close()
	return s.collectTasks(rows)
}

func (s *PostgresStore) collectTasks(rows *sql.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET title = $2, description = $3, start_date = $4, end_date = $5, status = $6, assigned_to_id = $7
		WHERE id = $1
	`, task.ID, task.Title, task.Description, task.StartDate, task.EndDate, task.Status, task.AssignedToID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ── Chats & messages ──

func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	var chat Chat
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, created_at FROM chats WHERE id = $1
	`, chatID).Scan(&chat.ID, &chat.ProjectID, &chat.Name, &chat.CreatedAt)
	if err != nil {
		return Chat{}, err
	}
	return chat, nil
}

// GetDefaultChat returns the chat created with the project, the oldest one.
func (s *PostgresStore) GetDefaultChat(ctx context.Context, projectID string) (Chat, error) {
	var chat Chat
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, created_at
		FROM chats WHERE project_id = $1
		ORDER BY created_at LIMIT 1
	`, projectID).Scan(&chat.ID, &chat.ProjectID, &chat.Name, &chat.CreatedAt)
	if err != nil {
		return Chat{}, err
	}
	return chat, nil
}

func (s *PostgresStore) ListChatsByProject(ctx context.Context, projectID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, created_at
		FROM chats WHERE project_id = $1
		ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ID, &chat.ProjectID, &chat.Name, &chat.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// InsertMessage persists a message and reads back the database-assigned
// sequence number and timestamp.
func (s *PostgresStore) InsertMessage(ctx context.Context, message *Message) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content, task_id, file_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq, ts
	`, message.ID, message.ChatID, message.SenderID, message.Content, message.TaskID, message.FileURL).
		Scan(&message.Seq, &message.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.ts, m.task_id, m.file_url, m.seq, u.username
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1
		ORDER BY m.seq
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var message Message
		if err := rows.Scan(
			&message.ID, &message.ChatID, &message.SenderID, &message.Content,
			&message.Timestamp, &message.TaskID, &message.FileURL, &message.Seq, &message.SenderName,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

// ── Refresh sessions (Postgres fallback when Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.username, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.Username, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}
