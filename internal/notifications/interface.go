package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ChannelHandler delivers rendered messages to one destination
type ChannelHandler interface {
	Send(ctx context.Context, message NotificationMessage) error
	GetChannelType() NotificationChannelType
}

// NotificationChannelType represents the type of notification channel
type NotificationChannelType string

const (
	ChannelTypeSlack NotificationChannelType = "slack"
	ChannelTypeLog   NotificationChannelType = "log"
)

// NotificationMessage represents a formatted notification message
type NotificationMessage struct {
	Subject  string                 `json:"subject"`
	Body     string                 `json:"body"`
	Format   string                 `json:"format"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RunFinishedNotification describes a pipeline run that ended
type RunFinishedNotification struct {
	RunID    uuid.UUID     `json:"run_id"`
	Mode     string        `json:"mode"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Genes    int           `json:"genes"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Sources  []SourceLine  `json:"sources"`
}

// SourceLine is one source's row in a run notification
type SourceLine struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Updated int    `json:"updated"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
	Error   string `json:"error,omitempty"`
}
