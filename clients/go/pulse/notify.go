package pulse

import "log/slog"

// NoticeKind classifies user-facing notices emitted by the SDK.
type NoticeKind string

// NoticeConnectionLost is emitted exactly once when the reconnect budget is
// exhausted. The notice is persistent: the only recovery is a manual refresh
// (a fresh Connect call).
const NoticeConnectionLost NoticeKind = "connection_lost"

// Notifier surfaces user-facing notices to the embedding application.
// Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(kind NoticeKind, message string)
}

// LogNotifier is the default Notifier: it writes notices to the logger.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(kind NoticeKind, message string) {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Error("notice", "kind", string(kind), "message", message)
}
