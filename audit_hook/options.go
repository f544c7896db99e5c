package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithActions limits recording to the listed actions, for example
// ActionJobFailed and ActionItemDeadLettered. Unknown actions are ignored.
func WithActions(actions ...string) Option {
	return func(e *Extension) {
		e.enabled = make(map[string]bool, len(actions))
		for _, a := range actions {
			e.enabled[a] = true
		}
	}
}

// WithMinSeverity drops events below severity. Severities order as
// SeverityInfo < SeverityWarning < SeverityCritical.
func WithMinSeverity(severity string) Option {
	return func(e *Extension) { e.minSeverity = severityRank(severity) }
}

// WithLogger sets the logger used when the recorder fails.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}

func severityRank(s string) int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}
