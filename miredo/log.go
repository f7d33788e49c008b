package miredo

import (
	"fmt"
	gosyslog "log/syslog"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	kitsyslog "github.com/go-kit/kit/log/syslog"
)

// ident is the process identifier under which the daemon logs.
const ident = "miredo"

// NewLogger builds the daemon logger: logfmt on stderr in foreground
// mode, the system log under the given facility otherwise.
func NewLogger(foreground, verbose bool, facility gosyslog.Priority) (log.Logger, error) {
	var logger log.Logger
	if foreground {
		logger = log.NewLogfmtLogger(os.Stderr)
	} else {
		w, err := gosyslog.New(facility|gosyslog.LOG_INFO, ident)
		if err != nil {
			return nil, fmt.Errorf("failed to open the system log: %v", err)
		}
		logger = kitsyslog.NewSyslogLogger(w, log.NewLogfmtLogger)
	}
	if verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return logger, nil
}
