package capability

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes notifications to the log. It stands in until a real
// delivery channel (email, chat) is wired behind the Notifier port.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, msg Message) error {
	n.logger.Infow("Notification sent",
		"tenant_id", msg.TenantID,
		"recipient", msg.Recipient,
		"subject", msg.Subject,
	)
	return nil
}
