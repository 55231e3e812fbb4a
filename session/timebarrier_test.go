package session

import (
	"testing"
	"time"
)

func TestTimeBarrier_Accept(t *testing.T) {
	boot := time.UnixMilli(1_700_000_010_000)
	b := NewTimeBarrier(5 * time.Second)

	tests := []struct {
		name   string
		millis int64
		want   bool
	}{
		{"zero timestamp always accepted", 0, true},
		{"well before grace rejected", 1_700_000_000_000, false},
		{"exactly at cutoff accepted", 1_700_000_005_000, true},
		{"after boot accepted", 1_700_000_020_000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Accept(tt.millis, boot); got != tt.want {
				t.Errorf("Accept(%d) = %v, want %v", tt.millis, got, tt.want)
			}
		})
	}
}
