// SPDX-License-Identifier: MPL-2.0

package comms

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats-server/v2/server"
)

// levelTrace sits below debug so protocol tracing can be enabled separately.
const levelTrace = slog.LevelDebug - 4

var _ server.Logger = (*natsLogger)(nil)

// natsLogger forwards the embedded server's printf style output to slog,
// tagged with the component and server name.
type natsLogger struct {
	logger *slog.Logger
	exit   func(int)
}

func newNATSLogger(logger *slog.Logger, serverName string) *natsLogger {
	return &natsLogger{
		logger: logger.With(slog.String("component", "nats"), slog.String("server", serverName)),
		exit:   os.Exit,
	}
}

// levels reports which of the server's debug and trace output slog would keep.
func (n *natsLogger) levels() (debug bool, trace bool) {
	ctx := context.Background()
	return n.logger.Enabled(ctx, slog.LevelDebug), n.logger.Enabled(ctx, levelTrace)
}

func (n *natsLogger) log(level slog.Level, format string, v []any) {
	ctx := context.Background()
	if !n.logger.Enabled(ctx, level) {
		return
	}
	n.logger.Log(ctx, level, fmt.Sprintf(format, v...))
}

func (n *natsLogger) Noticef(format string, v ...any) { n.log(slog.LevelInfo, format, v) }

func (n *natsLogger) Warnf(format string, v ...any) { n.log(slog.LevelWarn, format, v) }

func (n *natsLogger) Errorf(format string, v ...any) { n.log(slog.LevelError, format, v) }

func (n *natsLogger) Debugf(format string, v ...any) { n.log(slog.LevelDebug, format, v) }

func (n *natsLogger) Tracef(format string, v ...any) { n.log(levelTrace, format, v) }

func (n *natsLogger) Fatalf(format string, v ...any) {
	n.log(slog.LevelError, format, v)
	n.exit(1)
}
