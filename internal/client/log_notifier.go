package client

import (
	"context"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

// LogNotifier writes notification requests to the log. It is used when no
// NATS server is configured.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.Component("notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, msg service.Notification) error {
	n.log.Info().
		Str("event_type", msg.EventType).
		Str("recipient_role", msg.RecipientRole.String()).
		Str("recipient_id", msg.RecipientID).
		Str("instance_id", msg.InstanceID).
		Str("step_id", msg.StepID).
		Msg(msg.Message)
	return nil
}
