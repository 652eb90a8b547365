package serde

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/windlass-io/windlass/pkg/secret"
)

const testPassword = "unit-test-password"

// roundTrip serializes through a JSON encode/decode cycle, the way a
// persisted record would travel, then deserializes.
func roundTrip(t *testing.T, v any, opts Options) any {
	t.Helper()

	serialized, err := Serialize(v, opts)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	raw, err := json.Marshal(serialized)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	restored, err := Deserialize(decoded, opts)
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	return restored
}

// TestPrimitivesPassThrough tests primitive values survive unchanged
func TestPrimitivesPassThrough(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"string", "hello", "hello"},
		{"bool", true, true},
		{"float", 4.5, 4.5},
		// Integers come back as float64 after the JSON cycle.
		{"int", 42, float64(42)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, tt.in, Options{})
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

// TestDateRoundTrip tests @date tagging
func TestDateRoundTrip(t *testing.T) {
	when := time.Date(2024, 3, 17, 9, 30, 0, 123456000, time.UTC)

	got := roundTrip(t, when, Options{})
	ts, ok := got.(time.Time)
	if !ok {
		t.Fatalf("expected time.Time, got %T", got)
	}
	if !ts.Equal(when) {
		t.Errorf("got %v, want %v", ts, when)
	}
}

// TestBufferRoundTrip tests @buffer tagging
func TestBufferRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x01, 0xfe, 0xff}

	got := roundTrip(t, payload, Options{})
	buf, ok := got.([]byte)
	if !ok {
		t.Fatalf("expected []byte, got %T", got)
	}
	if !bytes.Equal(buf, payload) {
		t.Errorf("got %v, want %v", buf, payload)
	}
}

// TestSymbolRoundTrip tests @symbol tagging
func TestSymbolRoundTrip(t *testing.T) {
	serialized, err := Serialize(Symbol("replace"), Options{})
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	m, ok := serialized.(map[string]any)
	if !ok || m["@symbol"] != "Symbol(replace)" {
		t.Fatalf("unexpected wire form: %#v", serialized)
	}

	got := roundTrip(t, Symbol("replace"), Options{})
	if got != Symbol("replace") {
		t.Errorf("got %#v, want Symbol(replace)", got)
	}
}

// TestSecretRoundTrip tests secrets are encrypted at rest and restored
func TestSecretRoundTrip(t *testing.T) {
	opts := Options{Password: testPassword}
	in := map[string]any{
		"user":  "admin",
		"token": secret.New("s3cr3t-token"),
	}

	serialized, err := Serialize(in, opts)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	// The cleartext must not appear anywhere in the wire form.
	raw, err := json.Marshal(serialized)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if bytes.Contains(raw, []byte("s3cr3t-token")) {
		t.Fatal("secret cleartext leaked into serialized form")
	}

	got := roundTrip(t, in, opts).(map[string]any)
	s, ok := got["token"].(secret.Secret)
	if !ok {
		t.Fatalf("expected secret.Secret, got %T", got["token"])
	}
	if s.Unwrap() != "s3cr3t-token" {
		t.Errorf("unwrapped %v, want s3cr3t-token", s.Unwrap())
	}
}

// TestNestedTreeRoundTrip tests a mixed tree of objects, arrays, dates,
// buffers, and secrets
func TestNestedTreeRoundTrip(t *testing.T) {
	opts := Options{Password: testPassword}
	when := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	in := map[string]any{
		"name": "db",
		"tags": []any{"prod", "primary"},
		"connection": map[string]any{
			"host":     "db.internal",
			"port":     5432,
			"password": secret.New("hunter2"),
		},
		"rotatedAt": when,
		"caCert":    []byte("-----BEGIN CERT-----"),
	}

	got := roundTrip(t, in, opts).(map[string]any)

	conn := got["connection"].(map[string]any)
	if pw := conn["password"].(secret.Secret).Unwrap(); pw != "hunter2" {
		t.Errorf("password round trip: got %v", pw)
	}
	if host := conn["host"]; host != "db.internal" {
		t.Errorf("host round trip: got %v", host)
	}
	if ts := got["rotatedAt"].(time.Time); !ts.Equal(when) {
		t.Errorf("date round trip: got %v", ts)
	}
	if cert := got["caCert"].([]byte); !bytes.Equal(cert, []byte("-----BEGIN CERT-----")) {
		t.Errorf("buffer round trip: got %q", cert)
	}
	if tags := got["tags"].([]any); len(tags) != 2 || tags[0] != "prod" {
		t.Errorf("array round trip: got %#v", tags)
	}
}

// TestSecretOfStructuredValue tests a secret wrapping a nested tree
func TestSecretOfStructuredValue(t *testing.T) {
	opts := Options{Password: testPassword}
	in := secret.New(map[string]any{"key": "value", "n": 7})

	got := roundTrip(t, in, opts)
	s, ok := got.(secret.Secret)
	if !ok {
		t.Fatalf("expected secret.Secret, got %T", got)
	}
	inner := s.Unwrap().(map[string]any)
	if inner["key"] != "value" || inner["n"] != float64(7) {
		t.Errorf("unexpected inner value: %#v", inner)
	}
}

// TestStructSerialization tests typed property structs flatten by json tag
func TestStructSerialization(t *testing.T) {
	type props struct {
		Size    int    `json:"size"`
		Name    string `json:"name,omitempty"`
		Ignored string `json:"-"`
		hidden  string
	}
	_ = props{hidden: "x"}.hidden

	serialized, err := Serialize(props{Size: 3, Ignored: "drop me"}, Options{})
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	m := serialized.(map[string]any)
	if m["size"] != 3 {
		t.Errorf("size: got %#v", m["size"])
	}
	if _, ok := m["name"]; ok {
		t.Error("omitempty field should be dropped")
	}
	if _, ok := m["Ignored"]; ok {
		t.Error("json:\"-\" field should be dropped")
	}
}

// TestScopeReference tests @scope rehydrates to the deserializing scope
func TestScopeReference(t *testing.T) {
	type scope struct{ name string }
	original := &scope{name: "original"}
	restoredInto := &scope{name: "restored"}

	serialized, err := Serialize(map[string]any{"owner": original}, Options{Scope: original})
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	wire := serialized.(map[string]any)["owner"].(map[string]any)
	if _, ok := wire["@scope"]; !ok {
		t.Fatalf("expected @scope tag, got %#v", wire)
	}

	got, err := Deserialize(serialized, Options{Scope: restoredInto})
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if got.(map[string]any)["owner"] != restoredInto {
		t.Error("scope reference did not rehydrate to the deserializing scope")
	}
}

// TestSecretWithoutPassword tests the fatal configuration errors
func TestSecretWithoutPassword(t *testing.T) {
	opts := Options{Password: testPassword}
	serialized, err := Serialize(secret.New("x"), opts)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	if _, err := Deserialize(serialized, Options{}); !errors.Is(err, secret.ErrNoPassword) {
		t.Errorf("expected ErrNoPassword on deserialize, got %v", err)
	}
	if _, err := Serialize(secret.New("x"), Options{}); !errors.Is(err, secret.ErrNoPassword) {
		t.Errorf("expected ErrNoPassword on serialize, got %v", err)
	}
}

// TestPlainSecretsMode tests the comparison-only plaintext mode is
// deterministic, unlike encryption
func TestPlainSecretsMode(t *testing.T) {
	opts := Options{PlainSecrets: true}
	in := map[string]any{"token": secret.New("abc")}

	a, err := Serialize(in, opts)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	b, err := Serialize(in, opts)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if !bytes.Equal(ja, jb) {
		t.Error("plain-secret serialization is not deterministic")
	}
}

// TestFunctionIsHardError tests func and chan values cannot serialize
func TestFunctionIsHardError(t *testing.T) {
	if _, err := Serialize(map[string]any{"fn": func() {}}, Options{}); err == nil {
		t.Error("expected error serializing a func value")
	}
	if _, err := Serialize(make(chan int), Options{}); err == nil {
		t.Error("expected error serializing a chan value")
	}
}
