package backend

import (
	"context"
	"net"
	"sync"
	"time"
)

const watchdogPollInterval = 100 * time.Millisecond

// watchForEOF polls conn for EOF at watchdogPollInterval cadence and calls
// cancel as soon as it observes one, unblocking whatever the caller is
// waiting on elsewhere. It must only
// run during a window where nothing else reads from conn; callers stop it
// (via the returned stop func, which blocks until the poller has exited)
// before reading themselves, and may start a fresh watcher afterwards.
// stop is idempotent.
func watchForEOF(ctx context.Context, conn net.Conn, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(stopped)
		buf := make([]byte, 1)
		ticker := time.NewTicker(watchdogPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
				_, err := conn.Read(buf)
				if err == nil {
					// Unexpected data while idle; protocol violation upstream
					// will surface it. Keep polling for a real EOF.
					continue
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				cancel()
				return
			}
		}
	}()

	return func() {
		once.Do(func() {
			close(done)
			<-stopped
			conn.SetReadDeadline(time.Time{})
		})
	}
}
