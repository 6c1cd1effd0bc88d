// Command apiqueue-agent runs the request queue as a local sidecar: it accepts
// writes over HTTP and NATS, queues them while the backend is unreachable and
// flushes them when it comes back.
package main

import (
	"log/slog"
	"os"

	"github.com/DarlingtonDeveloper/apiqueue/internal/config"
)

func main() {
	cfg := config.MustLoad()
	setupLogger(cfg.LogLevel)

	app, err := newApp(cfg)
	if err != nil {
		slog.Error("apiqueue-agent: startup failed", "error", err)
		os.Exit(1)
	}
	if err := app.Run(); err != nil {
		slog.Error("apiqueue-agent: exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level slog.Level) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
