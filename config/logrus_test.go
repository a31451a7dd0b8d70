package config

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestNewLoggerFormat(t *testing.T) {
	if _, ok := newLogger("text", "debug").Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("expected text formatter")
	}
	l := newLogger("", "nonsense")
	if _, ok := l.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected json formatter")
	}
	if l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("level = %s, want info", l.GetLevel())
	}
}

func TestLogError(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	LogError(logger, "migration", "Execute", "load run", map[string]any{"run_id": 3}, errors.New("boom"))
	LogError(logger, "migration", "Execute", "no data", nil, errors.New("bang"))

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Message != "boom" || entries[0].Data["context"] != "load run" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if _, ok := entries[0].Data["data"]; !ok {
		t.Fatalf("expected data field")
	}
	if _, ok := entries[1].Data["data"]; ok {
		t.Fatalf("nil data should be omitted")
	}
}
