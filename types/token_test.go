package types

import (
	"fmt"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestToken_NeverLeaks(t *testing.T) {
	tok := NewToken("Bot super-secret-credential")

	if s := fmt.Sprintf("%v %s", tok, tok); strings.Contains(s, "secret") {
		t.Fatalf("token leaked through fmt: %q", s)
	}

	data, err := json.Marshal(struct {
		Token Token `json:"token"`
	}{tok})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "secret") {
		t.Fatalf("token leaked through json: %s", data)
	}

	if tok.Raw() != "Bot super-secret-credential" {
		t.Fatal("raw accessor must return the credential")
	}
	if !tok.IsBot() {
		t.Fatal("bot prefix not detected")
	}
	if NewToken("plain").IsBot() {
		t.Fatal("non-bot token misdetected")
	}
}

func TestIdentifyData_RedactedForTrace(t *testing.T) {
	d := IdentifyData{Token: "Bot super-secret-credential"}
	safe := d.RedactedForTrace()
	if strings.Contains(safe.Token, "secret") {
		t.Fatal("trace copy still carries the credential")
	}
	if !strings.Contains(d.Token, "secret") {
		t.Fatal("redaction must not mutate the original")
	}
}
