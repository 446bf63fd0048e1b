package hooks

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestDisabledRefusesEveryAction(t *testing.T) {
	var d Disabled
	var out bytes.Buffer
	ctx := context.Background()

	for name, err := range map[string]error{
		"change dns":  d.ChangeDNS(ctx),
		"run payload": d.RunPayload(ctx, &out),
		"detonate":    d.Detonate(ctx),
	} {
		if !errors.Is(err, ErrDisabled) {
			t.Fatalf("%s: expected ErrDisabled, got %v", name, err)
		}
	}
	if out.Len() != 0 {
		t.Fatalf("disabled payload wrote %q", out.String())
	}
}
