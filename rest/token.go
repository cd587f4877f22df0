package rest

import (
	"log/slog"
)

const redactedToken = "Bot ****"

// Token wraps the bot token so it cannot leak through logs or debug prints.
// Any formatted output renders a redacted placeholder; the raw value is only
// reachable through Reveal.
type Token struct {
	value string
}

func NewToken(value string) Token {
	return Token{value: value}
}

// Reveal returns the raw token for the Authorization header and the gateway
// identify payload.
func (t Token) Reveal() string {
	return t.value
}

// Authorization returns the value of the Authorization header.
func (t Token) Authorization() string {
	return "Bot " + t.value
}

// IsZero reports whether no token was configured.
func (t Token) IsZero() bool {
	return t.value == ""
}

func (t Token) String() string {
	return redactedToken
}

func (t Token) GoString() string {
	return redactedToken
}

func (t Token) LogValue() slog.Value {
	return slog.StringValue(redactedToken)
}

func (t *Token) UnmarshalJSON(data []byte) error {
	if len(data) >= 2 && data[0] == '"' {
		data = data[1 : len(data)-1]
	}

	t.value = string(data)

	return nil
}

func (t Token) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redactedToken + `"`), nil
}
