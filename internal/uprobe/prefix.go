package uprobe

import (
	"fmt"
	"log/slog"

	"github.com/alxayo/upipe/internal/ulog"
)

// PrefixProbe decorates log lines with a fixed tag before handling them
// itself, then lets every other event fall through unchanged — the Go
// analogue of uprobe_prefix, which prepends to the message and forwards.
type PrefixProbe struct {
	tag    string
	logger *slog.Logger
}

// NewPrefix wraps logger (or the package default if nil), tagging every
// Log/Error/Fatal line it catches with tag.
func NewPrefix(tag string, logger *slog.Logger) *Probe {
	pp := &PrefixProbe{tag: tag, logger: logger}
	return New(pp.handle)
}

func (pp *PrefixProbe) handle(p Pipe, event Event, args Args) error {
	logger := pp.logger
	if logger == nil {
		logger = ulog.Logger()
	}
	l := ulog.WithPipe(logger, p.Signature(), p.Label())
	switch event {
	case Log:
		l.Debug(fmt.Sprintf("[%s] %s", pp.tag, args.Message))
		return nil
	case Error:
		l.Error(fmt.Sprintf("[%s] pipe error", pp.tag), "cause", args.Err)
		return nil
	case Fatal:
		l.Error(fmt.Sprintf("[%s] fatal pipe error", pp.tag), "cause", args.Err)
		return nil
	default:
		return unhandled(event)
	}
}
