package utils

import (
	"testing"

	"github.com/apex/log/handlers/cli"
)

func TestIndent(t *testing.T) {
	tests := []struct {
		name  string
		level int
	}{
		{name: "flat", level: 1},
		{name: "nested", level: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got int
			Indent(func(string) { got = cli.Default.Padding }, tt.level)("msg")
			if got != normalPadding*tt.level {
				t.Errorf("padding while logging = %d, want %d", got, normalPadding*tt.level)
			}
			if cli.Default.Padding != normalPadding {
				t.Errorf("padding after logging = %d, want %d", cli.Default.Padding, normalPadding)
			}
		})
	}
}
