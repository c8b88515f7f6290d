// SPDX-License-Identifier: MPL-2.0

package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const SHUTDOWN_TIMEOUT = 10 * time.Second

// HandleInterrupt blocks until SIGINT or SIGTERM and then calls onInterrupt
// with a context bounded by SHUTDOWN_TIMEOUT.
func HandleInterrupt(onInterrupt func(context.Context)) {
	ctx, stopInterruptNotify := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
	onInterrupt(ctx)
	cancel()
	stopInterruptNotify()
}
