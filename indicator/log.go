package indicator

import "log/slog"

// Log implements Indicator by writing to a logger. It is always on so
// that a station without lights still leaves a trace of its feedback.
type Log struct {
	log *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{log: logger.With("component", "indicator")}
}

func (l *Log) Idle() { l.log.Debug("ready") }

func (l *Log) Waiting(info *Info) {
	l.log.Info("waiting for card", "staff", info.Staff)
}

func (l *Log) Accepted(info *Info) {
	l.log.Info("accepted", "action", info.Action, "staff", info.Staff, "card", info.Card)
}

func (l *Log) Rejected(info *Info) {
	l.log.Warn("rejected", "warning", info.Warning, "card", info.Card)
}

func (l *Log) Connected()      { l.log.Info("reader available") }
func (l *Log) ConnectionLost() { l.log.Warn("reader unavailable") }
func (l *Log) Shutdown()       { l.log.Info("shutdown") }
func (l *Log) Release() error  { return nil }
