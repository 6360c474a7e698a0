package keepalive

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/angeloszaimis/firstparty-proxy/internal/connection"
)

const pingTimeout = 5 * time.Second

var errClosed = errors.New("session transport closed")

// Run pings the registry's current session every interval until ctx ends.
// An empty slot is skipped. A non-positive interval disables pinging.
func Run(ctx context.Context, registry *connection.Registry, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Keepalive stopped")
			return

		case <-ticker.C:
			check(ctx, registry, logger)
		}
	}
}

func check(ctx context.Context, registry *connection.Registry, logger *slog.Logger) {
	conn := registry.Current()
	if conn == nil {
		return
	}

	if conn.Closed() {
		registry.Drop(conn, errClosed)
		return
	}
	// A draining session is replaced by the next Get.
	if !conn.Usable() {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	start := time.Now()
	if err := conn.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		registry.Drop(conn, err)
		return
	}

	logger.Debug("Backend session alive",
		slog.String("origin", conn.Origin().String()),
		slog.Uint64("conn_id", conn.ID()),
		slog.Int64("streams", conn.ActiveStreams()),
		slog.Duration("rtt", time.Since(start)))
}
