package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		relPath string
		want    string
	}{
		{relPath: "a.txt", want: "cfc7b4885384957ae445bc14914d4588f607651c"},
		{relPath: "dir/b.txt", want: "c04d36c87a230a0056295f0b5fd433e25762d19a"},
		{relPath: "dir/c.txt", want: "83545bbee58d7932718eef8d27a6870cf7416b4d"},
	}
	for _, tt := range tests {
		t.Run(tt.relPath, func(t *testing.T) {
			assert.Equal(t, tt.want, Identifier(tt.relPath))
			assert.Equal(t, Identifier(tt.relPath), Identifier(tt.relPath))
		})
	}
}

func TestIdentifier_DistinctPaths(t *testing.T) {
	seen := map[string]string{}
	for _, relPath := range []string{"a", "a/", "A", "a.txt", "dir/a.txt", "dir/a.txt ", "dir\\a.txt"} {
		id := Identifier(relPath)
		if other, ok := seen[id]; ok {
			t.Fatalf("%q and %q share identifier %s", relPath, other, id)
		}
		seen[id] = relPath
	}
}
