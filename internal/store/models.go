package store

import "time"

type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
	StatusDestroyed    Status = "destroyed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusReady, StatusRunning,
		StatusStopped, StatusError, StatusDestroyed:
		return true
	}
	return false
}

type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Level     LogLevel  `json:"level"`
}

// Agent is one row of the agents table. Ciphertext and the gateway token
// hash live here but are never copied into client-facing views.
type Agent struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	Status      Status

	LLMProvider string
	LLMModel    string

	BotTokenEncrypted string
	APIKeyEncrypted   string
	GatewayTokenHash  string

	Subdomain    string
	DeployRegion string

	InstanceID string
	InstanceIP string
	GatewayURL string

	ProvisioningStartedAt   *time.Time
	ProvisioningCompletedAt *time.Time
	HeartbeatAt             *time.Time
	ProvisioningLogs        []LogEntry
	LastError               string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentUpdate is a partial update; nil fields are left untouched.
type AgentUpdate struct {
	Status                  *Status
	InstanceID              *string
	InstanceIP              *string
	GatewayURL              *string
	ProvisioningCompletedAt *time.Time
	LastError               *string
	// Logs are appended after the field merge, in the same write.
	Logs []LogEntry
}

func (u AgentUpdate) empty() bool {
	return u.Status == nil && u.InstanceID == nil && u.InstanceIP == nil &&
		u.GatewayURL == nil && u.ProvisioningCompletedAt == nil &&
		u.LastError == nil && len(u.Logs) == 0
}

// apply merges u into a, used by the in-process store and by the SQL
// stores when they build their row images.
func (u AgentUpdate) apply(a *Agent) {
	if u.Status != nil {
		a.Status = *u.Status
	}
	if u.InstanceID != nil {
		a.InstanceID = *u.InstanceID
	}
	if u.InstanceIP != nil {
		a.InstanceIP = *u.InstanceIP
	}
	if u.GatewayURL != nil {
		a.GatewayURL = *u.GatewayURL
	}
	if u.ProvisioningCompletedAt != nil {
		t := *u.ProvisioningCompletedAt
		a.ProvisioningCompletedAt = &t
	}
	if u.LastError != nil {
		a.LastError = *u.LastError
	}
	a.ProvisioningLogs = append(a.ProvisioningLogs, u.Logs...)
}

// Ptr is a small helper for building AgentUpdate literals.
func Ptr[T any](v T) *T { return &v }

// NewLog builds a log entry stamped with at (UTC).
func NewLog(at time.Time, level LogLevel, msg string) LogEntry {
	return LogEntry{Timestamp: at.UTC(), Message: msg, Level: level}
}
