package config

import (
	"strings"
	"testing"
	"time"
)

func TestDBSettingsDSN(t *testing.T) {
	cases := []struct {
		name     string
		settings DBSettings
		prefix   string
		contains []string
	}{
		{
			name:     "tcp",
			settings: DBSettings{User: "u", Password: "p", Host: "db", Port: "3306", Name: "ledger", TimeZone: "Europe/Amsterdam"},
			prefix:   "u:p@tcp(db:3306)/ledger?",
			contains: []string{"parseTime=true", "charset=utf8mb4", "loc=Europe%2FAmsterdam"},
		},
		{
			name:     "cloud sql socket",
			settings: DBSettings{User: "u", Password: "p", Host: "/cloudsql/proj:eu:inst", Name: "ledger"},
			prefix:   "u:p@unix(/cloudsql/proj:eu:inst)/ledger?",
			contains: []string{"parseTime=true"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dsn := tc.settings.DSN()
			if !strings.HasPrefix(dsn, tc.prefix) {
				t.Fatalf("dsn = %q, want prefix %q", dsn, tc.prefix)
			}
			for _, part := range tc.contains {
				if !strings.Contains(dsn, part) {
					t.Fatalf("dsn = %q, missing %q", dsn, part)
				}
			}
		})
	}
}

func TestDBSettingsNoTimeZone(t *testing.T) {
	dsn := DBSettings{User: "u", Host: "h", Port: "1", Name: "n"}.DSN()
	if strings.Contains(dsn, "loc=") {
		t.Fatalf("dsn = %q, did not expect loc", dsn)
	}
}

func TestDBSettingsFromEnv(t *testing.T) {
	t.Setenv("DB_NAME", "ledger")
	t.Setenv("DB_TIME_ZONE", "")
	t.Setenv("DB_MAX_OPEN_CONNS", "7")
	t.Setenv("DB_MAX_IDLE_CONNS", "not-a-number")

	s := DBSettingsFromEnv()
	if s.Name != "ledger" {
		t.Fatalf("Name = %q", s.Name)
	}
	if s.TimeZone != "Europe/Amsterdam" {
		t.Fatalf("TimeZone = %q", s.TimeZone)
	}
	if s.MaxOpenConns != 7 {
		t.Fatalf("MaxOpenConns = %d, want 7", s.MaxOpenConns)
	}
	if s.MaxIdleConns != 10 {
		t.Fatalf("MaxIdleConns = %d, want default 10", s.MaxIdleConns)
	}
}

func TestConnectDatabaseRequiresName(t *testing.T) {
	t.Setenv("DB_NAME", "")
	if err := ConnectDatabaseWithRetry(1); err == nil {
		t.Fatalf("expected error without DB_NAME")
	}
}

func TestBackoff(t *testing.T) {
	want := map[int]time.Duration{1: 2 * time.Second, 2: 4 * time.Second, 4: 16 * time.Second, 5: 30 * time.Second, 9: 30 * time.Second}
	for attempt, d := range want {
		if got := backoff(attempt); got != d {
			t.Fatalf("backoff(%d) = %s, want %s", attempt, got, d)
		}
	}
}
