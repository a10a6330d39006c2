package notifications

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/types"
)

// Service fans run notifications out to the registered channel handlers
type Service struct {
	logger    *zap.Logger
	handlers  map[NotificationChannelType]ChannelHandler
	templates *DefaultTemplateManager
	notifyOn  map[types.RunStatus]bool
	mu        sync.RWMutex
}

// NewService creates a new notification service. Runs are notified only
// when they end in one of notifyOn; none means every non-completed status.
func NewService(logger *zap.Logger, notifyOn ...types.RunStatus) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(notifyOn) == 0 {
		notifyOn = []types.RunStatus{types.RunStatusPartial, types.RunStatusFailed, types.RunStatusCancelled}
	}

	statuses := make(map[types.RunStatus]bool, len(notifyOn))
	for _, status := range notifyOn {
		statuses[status] = true
	}

	return &Service{
		logger:    logger,
		handlers:  make(map[NotificationChannelType]ChannelHandler),
		templates: NewDefaultTemplateManager(),
		notifyOn:  statuses,
	}
}

// RegisterChannelHandler registers a handler for a specific channel type
func (s *Service) RegisterChannelHandler(handler ChannelHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[handler.GetChannelType()] = handler
}

// GetSupportedChannels returns the registered channel types
func (s *Service) GetSupportedChannels() []NotificationChannelType {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := make([]NotificationChannelType, 0, len(s.handlers))
	for channelType := range s.handlers {
		channels = append(channels, channelType)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	return channels
}

// NotifyRun sends a run summary to every channel when the run status is one
// the service notifies on
func (s *Service) NotifyRun(ctx context.Context, run *types.Run) error {
	if run == nil || !s.notifyOn[run.Status] {
		return nil
	}

	s.mu.RLock()
	handlers := make([]ChannelHandler, 0, len(s.handlers))
	for _, handler := range s.handlers {
		handlers = append(handlers, handler)
	}
	s.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	notification := NewRunFinishedNotification(run)
	s.logger.Info("Sending run notification",
		zap.String("run_id", run.ID.String()),
		zap.String("mode", string(run.Mode)),
		zap.String("status", string(run.Status)))

	var errs []error
	for _, handler := range handlers {
		message, err := s.templates.RenderRunFinished(notification, formatForChannel(handler.GetChannelType()))
		if err != nil {
			return fmt.Errorf("failed to render message: %w", err)
		}

		if err := handler.Send(ctx, message); err != nil {
			s.logger.Error("Failed to send run notification",
				zap.String("channel_type", string(handler.GetChannelType())),
				zap.String("run_id", run.ID.String()),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to send to %d channels: %v", len(errs), errs)
	}
	return nil
}

// NewRunFinishedNotification builds the notification for a run
func NewRunFinishedNotification(run *types.Run) RunFinishedNotification {
	updated, skipped, failed := run.Summary.Totals()
	notification := RunFinishedNotification{
		RunID:    run.ID,
		Mode:     string(run.Mode),
		Status:   string(run.Status),
		Error:    run.Error,
		Duration: run.Duration(),
		Genes:    run.Summary.Genes,
		Updated:  updated,
		Skipped:  skipped,
		Failed:   failed,
	}

	for name, outcome := range run.Summary.Sources {
		notification.Sources = append(notification.Sources, SourceLine{
			Name:    name,
			Status:  outcome.Status,
			Updated: outcome.Updated,
			Skipped: outcome.Skipped,
			Failed:  outcome.Failed,
			Error:   outcome.Error,
		})
	}
	sort.Slice(notification.Sources, func(i, j int) bool {
		return notification.Sources[i].Name < notification.Sources[j].Name
	})
	return notification
}

func formatForChannel(channelType NotificationChannelType) string {
	switch channelType {
	case ChannelTypeSlack:
		return "markdown"
	default:
		return "text"
	}
}

// LogHandler writes notifications to the zap logger
type LogHandler struct {
	logger *zap.Logger
}

// NewLogHandler creates a handler that logs messages
func NewLogHandler(logger *zap.Logger) *LogHandler {
	return &LogHandler{logger: logger}
}

// Send logs the message
func (h *LogHandler) Send(ctx context.Context, message NotificationMessage) error {
	h.logger.Warn(message.Subject, zap.String("body", message.Body), zap.Any("metadata", message.Metadata))
	return nil
}

// GetChannelType returns the channel type
func (h *LogHandler) GetChannelType() NotificationChannelType {
	return ChannelTypeLog
}
