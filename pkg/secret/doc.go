// Package secret provides the Secret value wrapper and the envelope
// encryption used for sensitive leaves in persisted resource state.
// Secrets are encrypted with AES-256-GCM under a scrypt-derived key and
// decrypt transparently from the legacy secretbox format as well.
package secret
