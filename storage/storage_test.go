package storage_test

import (
	"testing"
	"time"

	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/storage"
)

func TestKey(t *testing.T) {
	jobID := id.NewJobID()
	day := time.Date(2026, 2, 3, 23, 59, 0, 0, time.UTC)

	got := storage.Key("u42", jobID, day)
	want := "u42/2026-02-03/" + jobID.String() + ".png"
	if got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
}

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
		ok   bool
	}{
		{"u1/2026-01-01/a.png", "u1/2026-01-01/a.png", true},
		{"/u1/a.png", "u1/a.png", true},
		{"", "", false},
		{"../etc/passwd", "", false},
		{"u1/../../x", "", false},
		{"u1//a.png", "", false},
	}
	for _, tt := range tests {
		got, err := storage.CleanKey(tt.key)
		if tt.ok != (err == nil) {
			t.Errorf("CleanKey(%q) err = %v, want ok=%v", tt.key, err, tt.ok)
			continue
		}
		if got != tt.want {
			t.Errorf("CleanKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
