package ids

import (
	"strings"
	"testing"

	"github.com/segmentio/ksuid"
)

func TestNewPublicID_IsKSUID(t *testing.T) {
	id := NewPublicID()
	if _, err := ksuid.Parse(id); err != nil {
		t.Fatalf("public id %q is not a ksuid: %v", id, err)
	}
	if NewPublicID() == id {
		t.Error("public ids should be unique")
	}
}

func TestNewAPIKey(t *testing.T) {
	raw, prefix, err := NewAPIKey()
	if err != nil {
		t.Fatalf("NewAPIKey: %v", err)
	}
	if !strings.HasPrefix(raw, "sv_") || !strings.HasPrefix(raw, prefix) || len(prefix) != 12 {
		t.Errorf("unexpected key %q / prefix %q", raw, prefix)
	}
}

func TestReceiptGenerator(t *testing.T) {
	if _, err := NewReceiptGenerator(5000); err == nil {
		t.Error("expected error for out-of-range node")
	}
	g, err := NewReceiptGenerator(1)
	if err != nil {
		t.Fatalf("NewReceiptGenerator: %v", err)
	}
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		r := g.Next()
		if !strings.HasPrefix(r, "rcpt_") {
			t.Fatalf("unexpected receipt %q", r)
		}
		if seen[r] {
			t.Fatalf("duplicate receipt %q", r)
		}
		seen[r] = true
	}
}
