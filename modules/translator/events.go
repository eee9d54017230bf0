package translator

import "log/slog"

// Notifier receives high-level print lifecycle events. Implementations must
// not block: events fire on the upstream session's receive path.
type Notifier interface {
	// OnRestorePrintIfNeeded fires on the first full state sync after a
	// (re)connect so a running print's timers can be resynchronized without
	// emitting a start event.
	OnRestorePrintIfNeeded(printing, paused bool, cookie string)

	OnPrintStart(cookie, fileName string)
	OnResume(fileName string)
	OnPaused(fileName string)
	OnFilamentChange()
	OnUserInteractionNeeded()
	OnComplete(fileName string)
	OnFailed(fileName, reason string)
	OnFirstLayerDone(fileName string)
	OnProgress(percent float64)
}

// LogNotifier is the default sink: it just logs every event. The notification
// uploader replaces it in deployments that report to a remote service.
type LogNotifier struct{}

func (LogNotifier) OnRestorePrintIfNeeded(printing, paused bool, cookie string) {
	slog.Info("restored print context", "printing", printing, "paused", paused, "cookie", cookie)
}
func (LogNotifier) OnPrintStart(cookie, fileName string) {
	slog.Info("print started", "cookie", cookie, "file", fileName)
}
func (LogNotifier) OnResume(fileName string)   { slog.Info("print resumed", "file", fileName) }
func (LogNotifier) OnPaused(fileName string)   { slog.Info("print paused", "file", fileName) }
func (LogNotifier) OnFilamentChange()          { slog.Info("filament change needed") }
func (LogNotifier) OnUserInteractionNeeded()   { slog.Info("user interaction needed") }
func (LogNotifier) OnComplete(fileName string) { slog.Info("print complete", "file", fileName) }
func (LogNotifier) OnFailed(fileName, reason string) {
	slog.Info("print failed", "file", fileName, "reason", reason)
}
func (LogNotifier) OnFirstLayerDone(fileName string) {
	slog.Info("first layer done", "file", fileName)
}
func (LogNotifier) OnProgress(percent float64) {
	slog.Debug("print progress", "percent", percent)
}
