package ws

import (
	"strings"
	"testing"
)

func TestDeviceClass(t *testing.T) {
	cases := []struct {
		userAgent string
		want      string
	}{
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)", "mobile"},
		{"Mozilla/5.0 (Linux; Android 14; Pixel 8)", "mobile"},
		{"Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X)", "mobile"},
		{"Mozilla/5.0 (iPod touch; CPU iPhone OS 15_0)", "mobile"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64)", "desktop"},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)", "desktop"},
		{"Mozilla/5.0 (X11; Linux x86_64)", "desktop"},
		{"", "desktop"},
	}
	for _, c := range cases {
		if got := deviceClass(c.userAgent); got != c.want {
			t.Errorf("deviceClass(%q) = %q, want %q", c.userAgent, got, c.want)
		}
	}
}

func TestRandomColorCoversPalette(t *testing.T) {
	defer func(orig func(int) int) { randIntN = orig }(randIntN)

	for i := range palette {
		randIntN = func(int) int { return i }
		if got := randomColor(); got != palette[i] {
			t.Fatalf("randomColor() = %q, want %q", got, palette[i])
		}
	}
}

func TestInitialNameShape(t *testing.T) {
	name := initialName()
	if len(name) != 6 {
		t.Fatalf("initialName() = %q, want 6 characters", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("initialName() = %q, not lowercase hex", name)
		}
	}
}

func TestValidName(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  bool
	}{
		{"plain", "printer", true},
		{"single char", "x", true},
		{"24 ascii", strings.Repeat("a", 24), true},
		{"25 ascii", strings.Repeat("a", 25), false},
		{"empty", "", false},
		{"24 cjk", strings.Repeat("字", 24), true},
		{"25 cjk", strings.Repeat("字", 25), false},
		{"24 emoji", strings.Repeat("🦀", 24), true},
		{"25 emoji", strings.Repeat("🦀", 25), false},
		{"zwj sequence is one character", strings.Repeat("👨‍👩‍👧‍👦", 24), true},
	}
	for _, c := range cases {
		if got := validName(c.value); got != c.want {
			t.Errorf("%s: validName(%q) = %v, want %v", c.name, c.value, got, c.want)
		}
	}
}
