package app

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"atelier/api/internal/ai"
	"atelier/api/internal/auth"
	"atelier/api/internal/authpw"
	"atelier/api/internal/config"
	"atelier/api/internal/email"
	"atelier/api/internal/search"
	"atelier/api/internal/store"
	"atelier/api/internal/upload"
	"atelier/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserEmail    string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

var allowedTaskStatuses = map[string]struct{}{
	store.TaskNew:        {},
	store.TaskInProgress: {},
	store.TaskCompleted:  {},
	store.TaskOverdue:    {},
	store.TaskCancelled:  {},
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	CreateProject(context.Context, store.Project, string, store.Chat) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjectsForUser(context.Context, string) ([]store.Project, error)
	UpdateProject(context.Context, string, string, float64, string) error
	DeleteProject(context.Context, string) error
	IsProjectMember(context.Context, string, string) (bool, error)
	AddProjectMember(context.Context, string, string) error
	ProjectMemberCount(context.Context, string) (int, error)
	ListProjectMembers(context.Context, string) ([]store.User, error)
	CreateInvitation(context.Context, store.Invitation) error
	GetInvitation(context.Context, string) (store.Invitation, error)
	ListInvitationsForUser(context.Context, string) ([]store.Invitation, error)
	AcceptInvitation(context.Context, string, string, string) (bool, error)
	DeclineInvitation(context.Context, string) (bool, error)
	CreateTask(context.Context, store.Task) error
	GetTask(context.Context, string) (store.Task, error)
	ListTasksForUser(context.Context, string) ([]store.Task, error)
	ListTasksByProject(context.Context, string, string) ([]store.Task, error)
	UpdateTask(context.Context, store.Task) error
	DeleteTask(context.Context, string) error
	GetChat(context.Context, string) (store.Chat, error)
	GetDefaultChat(context.Context, string) (store.Chat, error)
	ListChatsByProject(context.Context, string) ([]store.Chat, error)
	InsertMessage(context.Context, *store.Message) error
	ListMessages(context.Context, string) ([]store.Message, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// sessionStore is the subset of dataStore that refresh tokens need. Redis
// serves it when configured; the Postgres store is the fallback.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authpw   *authpw.Service

	search      *search.Service
	assistant   *ai.Client
	contexts    *ai.ContextStore
	email       *email.Service
	upload      *upload.Service
	broadcaster Broadcaster

	chatMu    sync.Mutex
	chatLocks map[string]*sync.Mutex
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  dataStore,
		authpw:    authpw.NewService(dataStore),
		contexts:  ai.NewContextStore(),
		chatLocks: make(map[string]*sync.Mutex),
	}
}

// SetSessionStore swaps refresh-token storage to Redis.
func (s *Service) SetSessionStore(sessions sessionStore) {
	s.sessions = sessions
}

// SetSearch enables full-text message search.
func (s *Service) SetSearch(svc *search.Service) {
	s.search = svc
}

// SetAssistant wires the Gemini client.
func (s *Service) SetAssistant(client *ai.Client) {
	s.assistant = client
}

// SetEmail enables invitation notification emails.
func (s *Service) SetEmail(svc *email.Service) {
	s.email = svc
}

// SetUpload enables chat attachment storage.
func (s *Service) SetUpload(svc *upload.Service) {
	s.upload = svc
}

// StoreAttachment stores a chat attachment and returns its public URL.
func (s *Service) StoreAttachment(ctx context.Context, filename, contentType string, size int64, reader io.Reader) (string, error) {
	if !s.upload.IsConfigured() {
		return "", domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "File storage is not configured", nil)
	}
	if !upload.AllowedExtension(filename) {
		return "", errValidation("file type not allowed")
	}
	if size > upload.MaxFileSize {
		return "", errValidation("file exceeds the 10MB limit")
	}
	url, err := s.upload.Store(ctx, filename, contentType, size, reader)
	if err != nil {
		return "", errUpstream("File storage request failed")
	}
	return url, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- sessions ---

func (s *Service) Register(ctx context.Context, emailAddr, password, username string) (Session, error) {
	user, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Email:    emailAddr,
		Password: password,
		Username: username,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, emailAddr, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// Redis records only the user id; reload the full row.
	if user.Email == "" {
		user, err = s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, err
		}
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.Username,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserEmail:    user.Email,
		UserName:     user.Username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserEmail: user.Email,
		UserName:  user.Username,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- authorization gate ---

// canAccessProject is the single membership predicate. A missing project is
// reported before a membership failure.
func (s *Service) canAccessProject(ctx context.Context, userID, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	member, err := s.store.IsProjectMember(ctx, projectID, userID)
	if err != nil {
		return store.Project{}, err
	}
	if !member {
		return store.Project{}, errForbidden("Not a member of this project")
	}
	return project, nil
}

func (s *Service) canAccessTask(ctx context.Context, userID, taskID string) (store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if _, err := s.canAccessProject(ctx, userID, task.ProjectID); err != nil {
		return store.Task{}, err
	}
	return task, nil
}

func (s *Service) canAccessChat(ctx context.Context, userID, chatID string) (store.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return store.Chat{}, err
	}
	if _, err := s.canAccessProject(ctx, userID, chat.ProjectID); err != nil {
		return store.Chat{}, err
	}
	return chat, nil
}

// --- projects ---

func (s *Service) CreateProject(ctx context.Context, userID, name string, price float64, language string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errValidation("name is required")
	}

	project := store.Project{
		ID:       util.NewID("prj"),
		Name:     name,
		Price:    price,
		Language: strings.TrimSpace(language),
	}
	defaultChat := store.Chat{
		ID:        util.NewID("cht"),
		ProjectID: project.ID,
		Name:      name + " - Général",
	}
	if err := s.store.CreateProject(ctx, project, userID, defaultChat); err != nil {
		return nil, err
	}
	return s.GetProject(ctx, project.ID, userID)
}

func (s *Service) ListProjects(ctx context.Context, userID string) ([]map[string]any, error) {
	projects, err := s.store.ListProjectsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		items = append(items, projectPayload(project))
	}
	return items, nil
}

func (s *Service) GetProject(ctx context.Context, projectID, userID string) (map[string]any, error) {
	project, err := s.canAccessProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}

	members, err := s.store.ListProjectMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasksByProject(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	chats, err := s.store.ListChatsByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	payload := projectPayload(project)
	memberItems := make([]map[string]any, 0, len(members))
	for _, member := range members {
		memberItems = append(memberItems, map[string]any{
			"id":       member.ID,
			"email":    member.Email,
			"username": member.Username,
		})
	}
	taskItems := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		taskItems = append(taskItems, taskPayload(task))
	}
	chatItems := make([]map[string]any, 0, len(chats))
	for _, chat := range chats {
		chatItems = append(chatItems, map[string]any{
			"id":        chat.ID,
			"projectId": chat.ProjectID,
			"name":      chat.Name,
			"createdAt": chat.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	payload["members"] = memberItems
	payload["tasks"] = taskItems
	payload["chats"] = chatItems
	return payload, nil
}

func (s *Service) UpdateProject(ctx context.Context, projectID, userID, name string, price float64, language string) (map[string]any, error) {
	project, err := s.canAccessProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}

	nextName := strings.TrimSpace(name)
	if nextName == "" {
		nextName = project.Name
	}
	nextLanguage := strings.TrimSpace(language)
	if nextLanguage == "" {
		nextLanguage = project.Language
	}
	if err := s.store.UpdateProject(ctx, projectID, nextName, price, nextLanguage); err != nil {
		return nil, err
	}
	return s.GetProject(ctx, projectID, userID)
}

func (s *Service) DeleteProject(ctx context.Context, projectID, userID string) error {
	if _, err := s.canAccessProject(ctx, userID, projectID); err != nil {
		return err
	}
	count, err := s.store.ProjectMemberCount(ctx, projectID)
	if err != nil {
		return err
	}
	if count > 1 {
		return errForbidden("Project has other members")
	}
	return s.removeProject(ctx, projectID)
}

// LeaveProject mirrors DeleteProject: the sole member leaving tears the
// project down, anyone else is refused.
func (s *Service) LeaveProject(ctx context.Context, projectID, userID string) error {
	return s.DeleteProject(ctx, projectID, userID)
}

func (s *Service) removeProject(ctx context.Context, projectID string) error {
	chats, err := s.store.ListChatsByProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	if s.search != nil {
		for _, chat := range chats {
			s.search.DeleteChat(chat.ID)
		}
	}
	for _, chat := range chats {
		s.contexts.Clear(chat.ID)
	}
	return nil
}

// --- invitations ---

func (s *Service) Invite(ctx context.Context, projectID, inviterID, inviteeEmail string) (map[string]any, error) {
	project, err := s.canAccessProject(ctx, inviterID, projectID)
	if err != nil {
		return nil, err
	}

	inviteeEmail = strings.ToLower(strings.TrimSpace(inviteeEmail))
	if inviteeEmail == "" {
		return nil, errValidation("email is required")
	}
	invitee, err := s.store.GetUserByEmail(ctx, inviteeEmail)
	if err != nil {
		return nil, err
	}
	if invitee.ID == inviterID {
		return nil, errValidation("Cannot invite yourself")
	}
	alreadyMember, err := s.store.IsProjectMember(ctx, projectID, invitee.ID)
	if err != nil {
		return nil, err
	}
	if alreadyMember {
		return nil, domainError(http.StatusConflict, "ALREADY_MEMBER", "User is already a member of this project", nil)
	}

	invitation := store.Invitation{
		ID:        util.NewID("inv"),
		ProjectID: projectID,
		InviterID: inviterID,
		InviteeID: invitee.ID,
		Status:    store.InvitationPending,
	}
	if err := s.store.CreateInvitation(ctx, invitation); err != nil {
		return nil, err
	}

	if s.email != nil && s.email.IsConfigured() {
		inviter, err := s.store.GetUserByID(ctx, inviterID)
		if err == nil {
			go func() {
				if err := s.email.SendInvitationEmail(invitee.Email, invitee.Username, inviter.Username, project.Name); err != nil {
					log.Printf("invitation email to %s: %v", invitee.Email, err)
				}
			}()
		}
	}

	return map[string]any{
		"id":        invitation.ID,
		"projectId": invitation.ProjectID,
		"inviterId": invitation.InviterID,
		"inviteeId": invitation.InviteeID,
		"status":    invitation.Status,
	}, nil
}

func (s *Service) ListInvitations(ctx context.Context, userID string) ([]map[string]any, error) {
	invitations, err := s.store.ListInvitationsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(invitations))
	for _, invitation := range invitations {
		items = append(items, map[string]any{
			"id":          invitation.ID,
			"projectId":   invitation.ProjectID,
			"projectName": invitation.ProjectName,
			"inviterName": invitation.InviterName,
			"status":      invitation.Status,
			"createdAt":   invitation.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return items, nil
}

// RespondInvitation resolves a pending invitation exactly once. The store
// transition is guarded by the pending status, so a concurrent responder sees
// the conflict instead of a double transition.
func (s *Service) RespondInvitation(ctx context.Context, invitationID, userID string, accept bool) (map[string]any, error) {
	invitation, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if invitation.InviteeID != userID {
		return nil, errForbidden("Only the invitee may respond")
	}
	if invitation.Status != store.InvitationPending {
		return nil, errAlreadyResolved("Invitation already " + invitation.Status)
	}

	var transitioned bool
	status := store.InvitationDeclined
	if accept {
		status = store.InvitationAccepted
		transitioned, err = s.store.AcceptInvitation(ctx, invitationID, invitation.ProjectID, userID)
	} else {
		transitioned, err = s.store.DeclineInvitation(ctx, invitationID)
	}
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return nil, errAlreadyResolved("Invitation already resolved")
	}

	payload := map[string]any{
		"id":        invitation.ID,
		"projectId": invitation.ProjectID,
		"status":    status,
	}
	if accept {
		// Hand the new member the project's default chat so the client can
		// join the room right away.
		if chat, err := s.store.GetDefaultChat(ctx, invitation.ProjectID); err == nil {
			payload["chatId"] = chat.ID
		}
	}
	return payload, nil
}

// --- tasks ---

func (s *Service) CreateTask(ctx context.Context, userID, projectID, title, description, startDate, endDate, status string, assignedToID *string) (map[string]any, error) {
	if _, err := s.canAccessProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errValidation("title is required")
	}
	if status == "" {
		status = store.TaskNew
	}
	if _, ok := allowedTaskStatuses[status]; !ok {
		return nil, errValidation("status must be one of new, in_progress, completed, overdue, cancelled")
	}
	start, end, err := parseTaskDates(startDate, endDate)
	if err != nil {
		return nil, err
	}
	if assignedToID != nil {
		member, err := s.store.IsProjectMember(ctx, projectID, *assignedToID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, errValidation("assignee must be a project member")
		}
	}

	task := store.Task{
		ID:           util.NewID("tsk"),
		ProjectID:    projectID,
		Title:        title,
		Description:  strings.TrimSpace(description),
		StartDate:    start,
		EndDate:      end,
		Status:       status,
		AssignedToID: assignedToID,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	created, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return taskPayload(created), nil
}

func (s *Service) GetTask(ctx context.Context, taskID, userID string) (map[string]any, error) {
	task, err := s.canAccessTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	return taskPayload(task), nil
}

func (s *Service) ListMyTasks(ctx context.Context, userID string) ([]map[string]any, error) {
	tasks, err := s.store.ListTasksForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, taskPayload(task))
	}
	return items, nil
}

func (s *Service) ListProjectTasks(ctx context.Context, projectID, userID, status string) ([]map[string]any, error) {
	if _, err := s.canAccessProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	if status != "" {
		if _, ok := allowedTaskStatuses[status]; !ok {
			return nil, errValidation("status must be one of new, in_progress, completed, overdue, cancelled")
		}
	}
	tasks, err := s.store.ListTasksByProject(ctx, projectID, status)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, taskPayload(task))
	}
	return items, nil
}

func (s *Service) UpdateTask(ctx context.Context, taskID, userID, title, description, startDate, endDate, status string, assignedToID *string) (map[string]any, error) {
	task, err := s.canAccessTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	if title = strings.TrimSpace(title); title != "" {
		task.Title = title
	}
	if description != "" {
		task.Description = strings.TrimSpace(description)
	}
	if status != "" {
		if _, ok := allowedTaskStatuses[status]; !ok {
			return nil, errValidation("status must be one of new, in_progress, completed, overdue, cancelled")
		}
		task.Status = status
	}
	if startDate != "" || endDate != "" {
		start, end := task.StartDate, task.EndDate
		if startDate != "" {
			start, err = parseTaskDate(startDate)
			if err != nil {
				return nil, err
			}
		}
		if endDate != "" {
			end, err = parseTaskDate(endDate)
			if err != nil {
				return nil, err
			}
		}
		if end.Before(start) {
			return nil, errValidation("endDate must not be before startDate")
		}
		task.StartDate, task.EndDate = start, end
	}
	if assignedToID != nil {
		member, err := s.store.IsProjectMember(ctx, task.ProjectID, *assignedToID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, errValidation("assignee must be a project member")
		}
		task.AssignedToID = assignedToID
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	updated, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return taskPayload(updated), nil
}

func (s *Service) DeleteTask(ctx context.Context, taskID, userID string) error {
	if _, err := s.canAccessTask(ctx, userID, taskID); err != nil {
		return err
	}
	return s.store.DeleteTask(ctx, taskID)
}

// --- payload helpers ---

func projectPayload(project store.Project) map[string]any {
	return map[string]any{
		"id":        project.ID,
		"name":      project.Name,
		"price":     project.Price,
		"language":  project.Language,
		"createdAt": project.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func taskPayload(task store.Task) map[string]any {
	payload := map[string]any{
		"id":          task.ID,
		"projectId":   task.ProjectID,
		"projectName": task.ProjectName,
		"title":       task.Title,
		"description": task.Description,
		"startDate":   task.StartDate.UTC().Format("2006-01-02"),
		"endDate":     task.EndDate.UTC().Format("2006-01-02"),
		"status":      task.Status,
	}
	if task.AssignedToID != nil {
		payload["assignedToId"] = *task.AssignedToID
	}
	if task.AssignedToName != nil {
		payload["assignedToName"] = *task.AssignedToName
	}
	return payload
}

func parseTaskDates(startDate, endDate string) (time.Time, time.Time, error) {
	start, err := parseTaskDate(startDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseTaskDate(endDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errValidation("endDate must not be before startDate")
	}
	return start, end, nil
}

func parseTaskDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errValidation("startDate and endDate are required")
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, value)
	}
	if err != nil {
		return time.Time{}, errValidation("dates must be YYYY-MM-DD")
	}
	return parsed, nil
}
