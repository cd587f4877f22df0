package rest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/FerryTeam/Ferry/wire"
)

func TestTokenRedaction(t *testing.T) {
	token := NewToken("mfa.very-secret-value")

	if strings.Contains(fmt.Sprintf("%v", token), "secret") {
		t.Errorf("Expected %%v to be redacted")
	}

	if strings.Contains(fmt.Sprintf("%#v", token), "secret") {
		t.Errorf("Expected %%#v to be redacted")
	}

	if strings.Contains(fmt.Sprintf("%s", token), "secret") {
		t.Errorf("Expected %%s to be redacted")
	}

	data, err := wire.Marshal(token)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if strings.Contains(string(data), "secret") {
		t.Errorf("Expected marshalled token to be redacted, but got %s", data)
	}
}

func TestTokenReveal(t *testing.T) {
	token := NewToken("abc123")

	if token.Reveal() != "abc123" {
		t.Errorf("Expected abc123, but got %s", token.Reveal())
	}

	if token.Authorization() != "Bot abc123" {
		t.Errorf("Expected Bot abc123, but got %s", token.Authorization())
	}
}

func TestTokenUnmarshal(t *testing.T) {
	var token Token

	if err := token.UnmarshalJSON([]byte(`"abc123"`)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if token.Reveal() != "abc123" {
		t.Errorf("Expected abc123, but got %s", token.Reveal())
	}

	if token.IsZero() {
		t.Errorf("Expected token to not be zero")
	}
}
