package uprobe

import (
	"log/slog"

	"github.com/alxayo/upipe/internal/ulog"
)

// StdioProbe is the terminal log sink: the default handler for Log,
// Error and Fatal events when nothing more specific upstream wants them.
// It is normally placed at the tail of a chain so application-specific
// probes get first refusal.
type StdioProbe struct {
	logger *slog.Logger
}

// NewStdio wraps logger (or the package default if nil) in a probe.
func NewStdio(logger *slog.Logger) *Probe {
	sp := &StdioProbe{logger: logger}
	return New(sp.handle)
}

func (sp *StdioProbe) handle(p Pipe, event Event, args Args) error {
	logger := sp.logger
	if logger == nil {
		logger = ulog.Logger()
	}
	l := ulog.WithPipe(logger, p.Signature(), p.Label())
	switch event {
	case Log:
		l.Debug(args.Message)
		return nil
	case Error:
		l.Error("pipe error", "cause", args.Err)
		return nil
	case Fatal:
		l.Error("fatal pipe error", "cause", args.Err)
		return nil
	default:
		return unhandled(event)
	}
}
