package definition

import (
	"github.com/sirupsen/logrus"

	"github.com/qubic-go/coreclient/pkg/coreclient/types"
)

// logrusLogger adapts a *logrus.Logger to types.Logger. Kept as a thin
// adapter, same shape as the teacher's definition.DefaultLogger, so
// callers supplying their own types.Logger see no difference.
type logrusLogger struct {
	*logrus.Logger
}

// NewLogger returns the default logger: logrus, text-formatted,
// writing to stderr at info level. Callers needing structured JSON
// output or a different level can configure their own *logrus.Logger
// and wrap it with NewLogrus, or supply their own types.Logger entirely.
func NewLogger() types.Logger {
	return &logrusLogger{Logger: logrus.New()}
}

// NewLogrus is like NewLogger but wraps a caller-supplied
// *logrus.Logger, so callers can tune formatter/level/hooks before
// wrapping it.
func NewLogrus(l *logrus.Logger) types.Logger {
	return &logrusLogger{Logger: l}
}
