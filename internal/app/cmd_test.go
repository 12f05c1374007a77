package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"引数なしはserve", nil, CommandServe},
		{"serve", []string{"serve"}, CommandServe},
		{"worker", []string{"worker"}, CommandWorker},
		{"cleanup", []string{"cleanup"}, CommandCleanup},
		{"migrate", []string{"migrate"}, CommandMigrate},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"未知のモードはserve", []string{"unknown"}, CommandServe},
		{"後続の引数は無視する", []string{"worker", "--flag", "value"}, CommandWorker},
		{"大文字は区別する", []string{"Worker"}, CommandServe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseCommand(tt.args); got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestKnownCommands_RoundTrip(t *testing.T) {
	for name, cmd := range knownCommands {
		if string(cmd) != name {
			t.Errorf("knownCommands[%q] = %q", name, cmd)
		}
	}
}
