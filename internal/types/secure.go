package types

import "log/slog"

// redactedPlaceholder replaces secret values in logs and serialized output.
const redactedPlaceholder = "***REDACTED***"

// SecretString holds credentials loaded from the environment or SSM
// (database URL, webhook signing secret). Every formatting path prints the
// placeholder; Unmask is the only way to read the value.
type SecretString string

// String implements fmt.Stringer.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// GoString covers the %#v verb.
func (s SecretString) GoString() string {
	return redactedPlaceholder
}

// LogValue implements slog.LogValuer so structured logs never carry the value.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// MarshalJSON emits the placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redactedPlaceholder + `"`), nil
}

// IsSet reports whether a non-empty value is present without revealing it.
func (s SecretString) IsSet() bool {
	return s != ""
}

// Unmask returns the raw plaintext value. Call it only at the point of use
// (driver connection string, HMAC key).
func (s SecretString) Unmask() string {
	return string(s)
}
