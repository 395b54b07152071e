package store

import (
	"context"
	"encoding/json"
	"time"

	"qpro/queue-engine/internal/models"
)

// SequenceKey identifies one ticket-number counter. Partition is empty for
// the office-wide sequence.
type SequenceKey struct {
	OfficeID   string
	ServiceDay string
	Partition  string
}

type TokenFilter struct {
	OfficeID   string
	ServiceDay string
	Statuses   []string
	Search     string
	Limit      int
}

// OfficeTx is the view of one office inside its serialization point. Every
// write staged through it commits atomically when the WithOffice callback
// returns nil and is discarded otherwise.
type OfficeTx interface {
	Office() models.Office
	State() models.QueueState
	SaveState(ctx context.Context, state models.QueueState) error
	Department(ctx context.Context, departmentID string) (models.Department, error)
	ServingToken(ctx context.Context) (models.QueueToken, bool, error)
	NextWaiting(ctx context.Context) (models.QueueToken, bool, error)
	CountWaiting(ctx context.Context) (int, error)
	HolderActiveToken(ctx context.Context, holderID string) (models.QueueToken, bool, error)
	NextNumber(ctx context.Context, key SequenceKey) (int, error)
	InsertToken(ctx context.Context, token models.QueueToken) error
	TransitionToken(ctx context.Context, tokenID, action string, at time.Time) (models.QueueToken, error)
	AppendEvent(ctx context.Context, change models.Change) error
}

type QueueStore interface {
	WithOffice(ctx context.Context, officeID string, fn func(tx OfficeTx) error) error
	GetOffice(ctx context.Context, officeID string) (models.Office, error)
	GetOfficeBySlug(ctx context.Context, slug string) (models.Office, error)
	ListDepartments(ctx context.Context, officeID string) ([]models.Department, error)
	GetQueueState(ctx context.Context, officeID string) (models.QueueState, bool, error)
	GetToken(ctx context.Context, tokenID string) (models.QueueToken, error)
	ListTokens(ctx context.Context, filter TokenFilter) ([]models.QueueToken, error)
	ActiveTokenForHolder(ctx context.Context, holderID string) (models.QueueToken, bool, error)
	ListOutboxEvents(ctx context.Context, officeID string, after time.Time, limit int) ([]OutboxEvent, error)
}

type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (Session, error)
	GetAccess(ctx context.Context, userID string) ([]string, error)
}

// Provisioner is the seam used by the admin collaborator to create offices
// and departments.
type Provisioner interface {
	CreateOffice(ctx context.Context, office models.Office) (models.Office, error)
	CreateDepartment(ctx context.Context, department models.Department) (models.Department, error)
}

type Store interface {
	QueueStore
	SessionStore
	Provisioner
}

const (
	RoleSuperAdmin  = "super_admin"
	RoleOfficeAdmin = "office_admin"
)

type Session struct {
	SessionID string
	UserID    string
	Role      string
	ExpiresAt time.Time
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	OfficeID  string          `json:"office_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
