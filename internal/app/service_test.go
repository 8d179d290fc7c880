package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"atelier/api/internal/ai"
	"atelier/api/internal/authpw"
	"atelier/api/internal/config"
	"atelier/api/internal/store"
)

// fakeStore backs the service with in-memory maps. Every method can be
// overridden with a Fn hook for failure injection.
type fakeStore struct {
	mu sync.Mutex

	users       map[string]store.User
	projects    map[string]store.Project
	members     map[string]map[string]bool
	chats       map[string]store.Chat
	invitations map[string]store.Invitation
	tasks       map[string]store.Task
	messages    []store.Message
	nextSeq     int64

	refreshSessions map[string]string
	revokedJTIs     map[string]bool

	acceptInvitationFn func(context.Context, string, string, string) (bool, error)
	insertMessageFn    func(context.Context, *store.Message) error
	getChatFn          func(context.Context, string) (store.Chat, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:           make(map[string]store.User),
		projects:        make(map[string]store.Project),
		members:         make(map[string]map[string]bool),
		chats:           make(map[string]store.Chat),
		invitations:     make(map[string]store.Invitation),
		tasks:           make(map[string]store.Task),
		refreshSessions: make(map[string]string),
		revokedJTIs:     make(map[string]bool),
	}
}

func (f *fakeStore) addUser(id, email, username string) store.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := store.User{ID: id, Email: email, Username: username, CreatedAt: time.Now()}
	f.users[id] = user
	return user
}

func (f *fakeStore) addProject(id, name string, memberIDs ...string) store.Project {
	f.mu.Lock()
	defer f.mu.Unlock()
	project := store.Project{ID: id, Name: name, CreatedAt: time.Now()}
	f.projects[id] = project
	f.members[id] = make(map[string]bool)
	for _, memberID := range memberIDs {
		f.members[id][memberID] = true
	}
	return project
}

func (f *fakeStore) addChat(id, projectID, name string) store.Chat {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat := store.Chat{ID: id, ProjectID: projectID, Name: name, CreatedAt: time.Now()}
	f.chats[id] = chat
	return chat
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) CreateProject(_ context.Context, project store.Project, creatorID string, defaultChat store.Chat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	project.CreatedAt = time.Now()
	f.projects[project.ID] = project
	f.members[project.ID] = map[string]bool{creatorID: true}
	defaultChat.CreatedAt = time.Now()
	f.chats[defaultChat.ID] = defaultChat
	return nil
}

func (f *fakeStore) GetProject(_ context.Context, projectID string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (f *fakeStore) ListProjectsForUser(_ context.Context, userID string) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var projects []store.Project
	for projectID, members := range f.members {
		if members[userID] {
			projects = append(projects, f.projects[projectID])
		}
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

func (f *fakeStore) UpdateProject(_ context.Context, projectID, name string, price float64, language string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return sql.ErrNoRows
	}
	project.Name, project.Price, project.Language = name, price, language
	f.projects[projectID] = project
	return nil
}

func (f *fakeStore) DeleteProject(_ context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.projects, projectID)
	delete(f.members, projectID)
	for chatID, chat := range f.chats {
		if chat.ProjectID == projectID {
			delete(f.chats, chatID)
		}
	}
	return nil
}

func (f *fakeStore) IsProjectMember(_ context.Context, projectID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[projectID][userID], nil
}

func (f *fakeStore) AddProjectMember(_ context.Context, projectID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[projectID] == nil {
		f.members[projectID] = make(map[string]bool)
	}
	f.members[projectID][userID] = true
	return nil
}

func (f *fakeStore) ProjectMemberCount(_ context.Context, projectID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.members[projectID]), nil
}

func (f *fakeStore) ListProjectMembers(_ context.Context, projectID string) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var users []store.User
	for userID := range f.members[projectID] {
		users = append(users, f.users[userID])
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (f *fakeStore) CreateInvitation(_ context.Context, invitation store.Invitation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	invitation.CreatedAt = time.Now()
	f.invitations[invitation.ID] = invitation
	return nil
}

func (f *fakeStore) GetInvitation(_ context.Context, invitationID string) (store.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	invitation, ok := f.invitations[invitationID]
	if !ok {
		return store.Invitation{}, sql.ErrNoRows
	}
	return invitation, nil
}

func (f *fakeStore) ListInvitationsForUser(_ context.Context, userID string) ([]store.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var invitations []store.Invitation
	for _, invitation := range f.invitations {
		if invitation.InviteeID == userID {
			invitations = append(invitations, invitation)
		}
	}
	sort.Slice(invitations, func(i, j int) bool { return invitations[i].ID < invitations[j].ID })
	return invitations, nil
}

func (f *fakeStore) AcceptInvitation(ctx context.Context, invitationID, projectID, inviteeID string) (bool, error) {
	if f.acceptInvitationFn != nil {
		return f.acceptInvitationFn(ctx, invitationID, projectID, inviteeID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	invitation, ok := f.invitations[invitationID]
	if !ok || invitation.Status != store.InvitationPending {
		return false, nil
	}
	invitation.Status = store.InvitationAccepted
	f.invitations[invitationID] = invitation
	if f.members[projectID] == nil {
		f.members[projectID] = make(map[string]bool)
	}
	f.members[projectID][inviteeID] = true
	return true, nil
}

func (f *fakeStore) DeclineInvitation(_ context.Context, invitationID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	invitation, ok := f.invitations[invitationID]
	if !ok || invitation.Status != store.InvitationPending {
		return false, nil
	}
	invitation.Status = store.InvitationDeclined
	f.invitations[invitationID] = invitation
	return true, nil
}

func (f *fakeStore) CreateTask(_ context.Context, task store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, taskID string) (store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return store.Task{}, sql.ErrNoRows
	}
	return task, nil
}

func (f *fakeStore) ListTasksForUser(_ context.Context, userID string) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tasks []store.Task
	for _, task := range f.tasks {
		if task.AssignedToID != nil && *task.AssignedToID == userID {
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (f *fakeStore) ListTasksByProject(_ context.Context, projectID, status string) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tasks []store.Task
	for _, task := range f.tasks {
		if task.ProjectID != projectID {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (f *fakeStore) UpdateTask(_ context.Context, task store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[task.ID]; !ok {
		return sql.ErrNoRows
	}
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeStore) DeleteTask(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeStore) GetChat(ctx context.Context, chatID string) (store.Chat, error) {
	if f.getChatFn != nil {
		return f.getChatFn(ctx, chatID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[chatID]
	if !ok {
		return store.Chat{}, sql.ErrNoRows
	}
	return chat, nil
}

func (f *fakeStore) GetDefaultChat(_ context.Context, projectID string) (store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var chats []store.Chat
	for _, chat := range f.chats {
		if chat.ProjectID == projectID {
			chats = append(chats, chat)
		}
	}
	if len(chats) == 0 {
		return store.Chat{}, sql.ErrNoRows
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].CreatedAt.Before(chats[j].CreatedAt) })
	return chats[0], nil
}

func (f *fakeStore) ListChatsByProject(_ context.Context, projectID string) ([]store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var chats []store.Chat
	for _, chat := range f.chats {
		if chat.ProjectID == projectID {
			chats = append(chats, chat)
		}
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].ID < chats[j].ID })
	return chats, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, message *store.Message) error {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, message)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq++
	message.Seq = f.nextSeq
	message.Timestamp = time.Now()
	f.messages = append(f.messages, *message)
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, chatID string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var messages []store.Message
	for _, message := range f.messages {
		if message.ChatID == chatID {
			messages = append(messages, message)
		}
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].Seq < messages[j].Seq })
	return messages, nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshSessions[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refreshSessions[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return f.users[userID], nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refreshSessions, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokedJTIs[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revokedJTIs[jti], nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:     fs,
		sessions:  fs,
		authpw:    authpw.NewService(fs),
		contexts:  ai.NewContextStore(),
		chatLocks: make(map[string]*sync.Mutex),
	}
}

func requireDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %d %s, got %v", status, code, err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
}

func TestCreateProjectSeedsMembershipAndDefaultChat(t *testing.T) {
	fs := newFakeStore()
	fs.addUser("usr_a", "a@example.com", "alice")
	svc := newTestService(fs)

	payload, err := svc.CreateProject(context.Background(), "usr_a", "Refonte site", 1200, "fr")
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	projectID, _ := payload["id"].(string)
	if projectID == "" {
		t.Fatal("expected project id in payload")
	}
	member, _ := fs.IsProjectMember(context.Background(), projectID, "usr_a")
	if !member {
		t.Fatal("expected creator to be seeded as a member")
	}

	chats, _ := fs.ListChatsByProject(context.Background(), projectID)
	if len(chats) != 1 {
		t.Fatalf("expected one default chat, got %d", len(chats))
	}
	if chats[0].Name != "Refonte site - Général" {
		t.Fatalf("unexpected default chat name %q", chats[0].Name)
	}
}

func TestGetProjectChecksNotFoundBeforeForbidden(t *testing.T) {
	fs := newFakeStore()
	fs.addUser("usr_a", "a@example.com", "alice")
	fs.addUser("usr_b", "b@example.com", "bob")
	fs.addProject("prj_1", "Projet", "usr_a")
	svc := newTestService(fs)

	if _, err := svc.GetProject(context.Background(), "prj_missing", "usr_a"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for a missing project, got %v", err)
	}

	_, err := svc.GetProject(context.Background(), "prj_1", "usr_b")
	requireDomainError(t, err, 403, "FORBIDDEN")
}

func TestDeleteProjectRefusedWithOtherMembers(t *testing.T) {
	fs := newFakeStore()
	fs.addUser("usr_a", "a@example.com", "alice")
	fs.addUser("usr_b", "b@example.com", "bob")
	fs.addProject("prj_1", "Projet", "usr_a", "usr_b")
	svc := newTestService(fs)

	err := svc.DeleteProject(context.Background(), "prj_1", "usr_a")
	requireDomainError(t, err, 403, "FORBIDDEN")
	if _, ok := fs.projects["prj_1"]; !ok {
		t.Fatal("project should not have been deleted")
	}
}

func TestSoleMemberLeaveDeletesProject(t *testing.T) {
	fs := newFakeStore()
	fs.addUser("usr_a", "a@example.com", "alice")
	fs.addProject("prj_1", "Projet", "usr_a")
	fs.addChat("cht_1", "prj_1", "Projet - Général")
	svc := newTestService(fs)

	if err := svc.LeaveProject(context.Background(), "prj_1", "usr_a"); err != nil {
		t.Fatalf("LeaveProject() error = %v", err)
	}
	if _, ok := fs.projects["prj_1"]; ok {
		t.Fatal("expected project to be deleted when the sole member leaves")
	}
	if _, ok := fs.chats["cht_1"]; ok {
		t.Fatal("expected project chats to be deleted with the project")
	}
}

func TestInviteRejectsUnknownSelfAndExistingMember(t *testing.T) {
	fs := newFakeStore()
	fs.addUser("usr_a", "a@example.com", "alice")
	fs.addUser("usr_b", "b@example.com", "bob")
	fs.addProject("prj_1", "Projet", "usr_a", "usr_b")
	svc := newTestService(fs)

	if _, err := svc.Invite(context.Background(), "prj_1", "usr_a", "nobody@example.com"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for unknown invitee, got %v", err)
	}

	_, err := svc.Invite(context.Background(), "prj_1", "usr_a", "a@example.com")
	requireDomainError(t, err, 422, "VALIDATION_ERROR")

	_, err = svc.Invite(context.Background(), "prj_1", "usr_a", "b@example.com")
	requireDomainError(t, err, 409, "ALREADY_MEMBER")
}

func TestInviteRequiresInviterMembership(t *testing.T) {
	fs := newFakeStore()
	fs.addUser("usr_a", "a@example.com", "alice")
	fs.addUser("usr_b", "b@example.com", "bob")
	fs.addProject("prj_1", "Projet", "usr_a")
	svc := newTestService(fs)

	_, err := svc.Invite(context.Background(), "prj_1", "usr_b", "a@example.com")
	requireDomainError(t, err, 403, "FORBIDDEN")
}

func TestRespondInvitationInviteeOnly(t *testing.T) {
	fs := newFakeStore()
	fs.addUser("usr_a", "a@example.com", "alice")
	fs.addUser("usr_b", "b@example.com", "bob")
	fs.addUser("usr_c", "c@example.com", "carol")
	fs.addProject("prj_1", "Projet", "usr_a")
	fs.invitations["inv_1"] = store.Invitation{
		ID: "inv_1", ProjectID: "prj_1", InviterID: "usr_a", InviteeID: "usr_b",
		Status: store.InvitationPending,
	}
	svc := newTestService(fs)

	_, err := svc.RespondInvitation(context.Background(), "inv_1", "usr_c", true)
	requireDomainError(t, err, 403, "FORBIDDEN")

	_, err = svc.RespondInvitation(context.Background(), "inv_1", "usr_a", true)
	requireDomainError(t, err, 403, "FORBIDDEN")
}

func TestAcceptInvitationAddsMembershipExactlyOnce(t *testing.T) {
	fs := newFakeStore()
	fs.addUser("usr_a", "a@example.com", "alice")
	fs.addUser("usr_b", "b@example.com", "bob")
	fs.addProject("prj_1", "Projet", "usr_a")
	fs.addChat("cht_1", "prj_1", "Projet - Général")
	fs.invitations["inv_1"] = store.Invitation{
		ID: "inv_1", ProjectID: "prj_1", InviterID: "usr_a", InviteeID: "usr_b",
		Status: store.InvitationPending,
	}
	svc := newTestService(fs)

	payload, err := svc.RespondInvitation(context.Background(), "inv_1", "usr_b", true)
	if err != nil {
		t.Fatalf("RespondInvitation() error = %v", err)
	}
	if payload["status"] != store.InvitationAccepted {
		t.Fatalf("expected accepted, got %v", payload["status"])
	}
	if payload["chatId"] != "cht_1" {
		t.Fatalf("accept must hand back the default chat, got %v", payload["chatId"])
	}
	member, _ := fs.IsProjectMember(context.Background(), "prj_1", "usr_b")
	if !member {
		t.Fatal("expected invitee to become a member on accept")
	}

	_, err = svc.RespondInvitation(context.Background(), "inv_1", "usr_b", false)
	requireDomainError(t, err, 409, "ALREADY_RESOLVED")
}

func TestRespondInvitationLosesGuardedTransitionRace(t *testing.T) {
	fs := newFakeStore()
	fs.addUser("usr_b", "b@example.com", "bob")
	fs.addProject("prj_1", "Projet", "usr_a")
	fs.invitations["inv_1"] = store.Invitation{
		ID: "inv_1", ProjectID: "prj_1", InviterID: "usr_a", InviteeID: "usr_b",
		Status: store.InvitationPending,
	}
	// Simulate a concurrent responder winning between the read and the
	// guarded UPDATE.
	fs.acceptInvitationFn = func(context.Context, string, string, string) (bool, error) {
		return false, nil
	}
	svc := newTestService(fs)

	_, err := svc.RespondInvitation(context.Background(), "inv_1", "usr_b", true)
	requireDomainError(t, err, 409, "ALREADY_RESOLVED")
}

func TestDeclineInvitationDoesNotAddMembership(t *testing.T) {
	fs := newFakeStore()
	fs.addUser("usr_b", "b@example.com", "bob")
	fs.addProject("prj_1", "Projet", "usr_a")
	fs.invitations["inv_1"] = store.Invitation{
		ID: "inv_1", ProjectID: "prj_1", InviterID: "usr_a", InviteeID: "usr_b",
		Status: store.InvitationPending,
	}
	svc := newTestService(fs)

	payload, err := svc.RespondInvitation(context.Background(), "inv_1", "usr_b", false)
	if err != nil {
		t.Fatalf("RespondInvitation() error = %v", err)
	}
	if payload["status"] != store.InvitationDeclined {
		t.Fatalf("expected declined, got %v", payload["status"])
	}
	if _, ok := payload["chatId"]; ok {
		t.Fatal("declining must not hand back a chat")
	}
	member, _ := fs.IsProjectMember(context.Background(), "prj_1", "usr_b")
	if member {
		t.Fatal("declining must not grant membership")
	}
}

func TestCreateTaskValidatesStatusAndDates(t *testing.T) {
	fs := newFakeStore()
	fs.addUser("usr_a", "a@example.com", "alice")
	fs.addProject("prj_1", "Projet", "usr_a")
	svc := newTestService(fs)

	_, err := svc.CreateTask(context.Background(), "usr_a", "prj_1", "Maquettes", "", "2026-09-01", "2026-09-15", "bogus", nil)
	requireDomainError(t, err, 422, "VALIDATION_ERROR")

	_, err = svc.CreateTask(context.Background(), "usr_a", "prj_1", "Maquettes", "", "2026-09-15", "2026-09-01", "new", nil)
	requireDomainError(t, err, 422, "VALIDATION_ERROR")

	payload, err := svc.CreateTask(context.Background(), "usr_a", "prj_1", "Maquettes", "Premier jet", "2026-09-01", "2026-09-15", "", nil)
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if payload["status"] != store.TaskNew {
		t.Fatalf("expected default status new, got %v", payload["status"])
	}
}

func TestCreateTaskRejectsNonMemberAssignee(t *testing.T) {
	fs := newFakeStore()
	fs.addUser("usr_a", "a@example.com", "alice")
	fs.addUser("usr_b", "b@example.com", "bob")
	fs.addProject("prj_1", "Projet", "usr_a")
	svc := newTestService(fs)

	assignee := "usr_b"
	_, err := svc.CreateTask(context.Background(), "usr_a", "prj_1", "Maquettes", "", "2026-09-01", "2026-09-15", "new", &assignee)
	requireDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestTaskAccessGoesThroughProjectGate(t *testing.T) {
	fs := newFakeStore()
	fs.addUser("usr_a", "a@example.com", "alice")
	fs.addUser("usr_b", "b@example.com", "bob")
	fs.addProject("prj_1", "Projet", "usr_a")
	fs.tasks["tsk_1"] = store.Task{ID: "tsk_1", ProjectID: "prj_1", Title: "Maquettes", Status: store.TaskNew}
	svc := newTestService(fs)

	_, err := svc.GetTask(context.Background(), "tsk_1", "usr_b")
	requireDomainError(t, err, 403, "FORBIDDEN")

	err = svc.DeleteTask(context.Background(), "tsk_1", "usr_b")
	requireDomainError(t, err, 403, "FORBIDDEN")

	if _, err := svc.GetTask(context.Background(), "tsk_1", "usr_a"); err != nil {
		t.Fatalf("member GetTask() error = %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	session, err := svc.Register(context.Background(), "a@example.com", "password123", "alice")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if parsed.UserName != "alice" || parsed.UserEmail != "a@example.com" {
		t.Fatalf("unexpected session identity %q %q", parsed.UserName, parsed.UserEmail)
	}

	refreshed, err := svc.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed.UserID != session.UserID {
		t.Fatal("refresh changed the user")
	}
	// Refresh tokens rotate.
	if _, err := svc.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatal("expected reused refresh token to fail")
	}

	if err := svc.Logout(context.Background(), refreshed, refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), refreshed.Token); err == nil {
		t.Fatal("expected revoked access token to be rejected")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	if _, err := svc.Register(context.Background(), "a@example.com", "password123", "alice"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := svc.Register(context.Background(), "A@Example.com", "password456", "alice2"); !errors.Is(err, authpw.ErrEmailExists) {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	if _, err := svc.Register(context.Background(), "a@example.com", "password123", "alice"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := svc.Login(context.Background(), "a@example.com", "wrong-password"); !errors.Is(err, authpw.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
