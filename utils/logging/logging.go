package logging

import (
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// InitLogging fans structured JSON logs out to the log file and human
// readable text to stderr. The fixed attrs on the json handler are used for
// filtering in log aggregation.
func InitLogging(logFile *os.File, serviceName string) {
	var jsonHandler slog.Handler = slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
	jsonHandler = jsonHandler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
	})

	textHandler := slog.NewTextHandler(os.Stderr, nil)

	slog.SetDefault(slog.New(slogmulti.Fanout(jsonHandler, textHandler)))
}
