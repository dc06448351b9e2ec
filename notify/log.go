package notify

import (
	"context"

	identity "github.com/goliatone/go-identity"
)

// LogNotifier writes messages to the logger instead of delivering them.
// Meant for local development.
type LogNotifier struct {
	logger identity.Logger
}

var _ identity.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger identity.Logger) *LogNotifier {
	if logger == nil {
		logger = identity.NewSlogLogger(nil)
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, msg identity.Message) error {
	n.logger.Info("notification",
		"kind", string(msg.Kind),
		"to", msg.To,
		"subject", msg.Subject,
		"account_id", msg.AccountID,
	)
	n.logger.Debug("notification body", "kind", string(msg.Kind), "body", msg.Body)
	return nil
}
