package utils

import (
	"testing"
	"time"
)

func TestPostgresPoolConfigDefaults(t *testing.T) {
	got := PostgresPoolConfig{}.withDefaults()
	if got.MaxOpenConns <= 0 || got.MaxIdleConns <= 0 {
		t.Fatalf("pool sizes not defaulted: %+v", got)
	}
	if got.PingTimeout <= 0 {
		t.Fatalf("ping timeout not defaulted: %+v", got)
	}

	// Explicit values survive.
	custom := PostgresPoolConfig{MaxOpenConns: 5, PingTimeout: time.Second}.withDefaults()
	if custom.MaxOpenConns != 5 || custom.PingTimeout != time.Second {
		t.Fatalf("explicit values overridden: %+v", custom)
	}
}
