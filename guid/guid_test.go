package guid

import (
	"strings"
	"testing"
)

func TestNewFormat(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := New()
		if len(id) != 38 {
			t.Fatalf("New() = %q, want 38 characters", id)
		}
		if !strings.HasPrefix(id, "{") || !strings.HasSuffix(id, "}") {
			t.Fatalf("New() = %q, want braces", id)
		}
		if id != strings.ToLower(id) {
			t.Fatalf("New() = %q, want lowercase", id)
		}
		if !Valid(id) {
			t.Fatalf("New() = %q should be valid", id)
		}
	}
}

func TestNormalizeRoundTrip(t *testing.T) {
	id := New()
	got, err := Normalize(id)
	if err != nil {
		t.Fatalf("Normalize(%q): %v", id, err)
	}
	if got != id {
		t.Errorf("Normalize(%q) = %q, want identity", id, got)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"{209DA821-B275-4EE6-A441-D4B94D295D2C}", "{209da821-b275-4ee6-a441-d4b94d295d2c}", true},
		{"209da821-b275-4ee6-a441-d4b94d295d2c", "{209da821-b275-4ee6-a441-d4b94d295d2c}", true},
		{"  {209da821-b275-4ee6-a441-d4b94d295d2c}  ", "{209da821-b275-4ee6-a441-d4b94d295d2c}", true},
		{"", "", false},
		{"{not-a-uuid}", "", false},
		{"209da821-b275-4ee6-a441", "", false},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("Normalize(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
