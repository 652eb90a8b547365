package secret

import "errors"

// Secret marks a value as sensitive. It is never compared or logged in
// cleartext, and its serialized form always passes through the envelope
// encryption in this package. The wrapped value is reachable only
// through Unwrap.
type Secret struct {
	value any
}

// New wraps a value as a Secret.
func New(value any) Secret {
	return Secret{value: value}
}

// Unwrap returns the wrapped cleartext value.
func (s Secret) Unwrap() any {
	return s.value
}

// String implements fmt.Stringer without revealing the wrapped value.
func (s Secret) String() string {
	return "Secret(<redacted>)"
}

// MarshalJSON refuses direct JSON encoding so a Secret can never leak
// through an accidental json.Marshal. Persisting a Secret must go
// through the serde package, which encrypts it.
func (s Secret) MarshalJSON() ([]byte, error) {
	return nil, errors.New("secret: refusing to marshal cleartext; serialize through serde instead")
}
