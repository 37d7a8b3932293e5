package definition

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLoggerWritesThroughToUnderlyingLogrus(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})

	log := NewLogrus(l)
	log.Infof("sync level %d", 2)

	if !strings.Contains(buf.String(), "sync level 2") {
		t.Fatalf("log output = %q, want it to contain the formatted message", buf.String())
	}
}

func TestNewLoggerDefaultsToLogrus(t *testing.T) {
	log := NewLogger()
	if log == nil {
		t.Fatal("NewLogger() returned nil")
	}
	if _, ok := log.(*logrusLogger); !ok {
		t.Fatalf("NewLogger() = %T, want the logrus-backed logger", log)
	}
}
