// Package serde converts arbitrary property trees into a form safe for
// JSON persistence and back. Sensitive leaves (secret.Secret) are
// encrypted, and special leaf types are tagged so they can be restored
// losslessly: dates, binary payloads, symbolic tags, and references to
// the current scope.
package serde
