package store

import "time"

type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

type Project struct {
	ID        string
	Name      string
	Price     float64
	Language  string
	CreatedAt time.Time
}

const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationDeclined = "declined"
)

type Invitation struct {
	ID        string
	ProjectID string
	InviterID string
	InviteeID string
	Status    string
	CreatedAt time.Time
	// joined display fields, populated by list queries
	InviterName  string
	InviteeEmail string
	ProjectName  string
}

const (
	TaskNew        = "new"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskOverdue    = "overdue"
	TaskCancelled  = "cancelled"
)

type Task struct {
	ID           string
	ProjectID    string
	Title        string
	Description  string
	StartDate    time.Time
	EndDate      time.Time
	Status       string
	AssignedToID *string
	// joined display fields
	ProjectName    string
	AssignedToName *string
}

type Chat struct {
	ID        string
	ProjectID string
	Name      string
	CreatedAt time.Time
}

// Message is immutable once created. Seq is assigned by the database and
// defines the persisted order within a chat.
type Message struct {
	ID        string
	ChatID    string
	SenderID  *string
	Content   string
	Timestamp time.Time
	TaskID    *string
	FileURL   *string
	Seq       int64
	// joined display field, nil for assistant/system messages
	SenderName *string
}
