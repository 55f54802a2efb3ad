package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	out := String()
	for _, want := range []string{"version: " + Version, "commit: " + Commit, "built: " + BuildDate} {
		if !strings.Contains(out, want) {
			t.Fatalf("String() = %q, missing %q", out, want)
		}
	}
	if !strings.HasPrefix(UserAgent(), "fxwatch/") {
		t.Fatalf("unexpected user agent %q", UserAgent())
	}
}
