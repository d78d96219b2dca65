package whatsapp

import (
	"context"
	"testing"
)

func TestParseJID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"group jid", "12036304@g.us", false},
		{"user jid", "15551234567@s.whatsapp.net", false},
		{"empty", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseJID(tc.input)
			if (err != nil) != tc.wantErr {
				t.Errorf("parseJID(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			}
		})
	}
}

func TestUninitializedClientErrors(t *testing.T) {
	var c Client
	ctx := context.Background()
	if err := c.SendMessage(ctx, "12036304@g.us", "hi"); err == nil {
		t.Error("expected error from uninitialized client")
	}
	if err := c.React(ctx, "12036304@g.us", "1@s.whatsapp.net", "ABC", "👍"); err == nil {
		t.Error("expected error from uninitialized client")
	}
	if err := c.RevokeMessage(ctx, "12036304@g.us", "1@s.whatsapp.net", "ABC"); err == nil {
		t.Error("expected error from uninitialized client")
	}
	if _, err := c.IsGroupAdmin(ctx, "12036304@g.us", "1@s.whatsapp.net"); err == nil {
		t.Error("expected error from uninitialized client")
	}
}

func TestMockClientImplementsSender(t *testing.T) {
	var _ Sender = NewMockClient()
}
