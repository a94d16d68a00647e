package storage

import (
	"strings"
	"testing"

	"watchparty/pkg/config"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.DBConfig{Host: "db", User: "u", Password: "p", Name: "wp", Port: 5433})
	for _, want := range []string{"host=db", "user=u", "password=p", "dbname=wp", "port=5433", "TimeZone=UTC"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN() = %q, missing %q", dsn, want)
		}
	}

	dsn = DSN(config.DBConfig{Host: "db", Port: 5432, TimeZone: "Asia/Taipei"})
	if !strings.Contains(dsn, "TimeZone=Asia/Taipei") {
		t.Errorf("DSN() = %q, want TimeZone=Asia/Taipei", dsn)
	}
}
