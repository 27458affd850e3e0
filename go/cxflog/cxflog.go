// Package cxflog wires logrus with a process-wide secret registry.
// Credentials handled anywhere in the service are registered here, and a
// formatter wrapper rewrites every emitted record so that no registered
// secret appears verbatim in logs.
package cxflog

import (
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

const mask = "****"

// SecretRegistry accumulates secret values for log redaction. The zero value
// is ready for use.
type SecretRegistry struct {
	mu      sync.RWMutex
	secrets []string
}

var registry SecretRegistry

// Register records a secret for redaction and returns it unchanged, so call
// sites can wrap credential lookups in-line. Empty and very short values are
// not registered: masking one- or two-character substrings would corrupt
// unrelated log content.
func Register(secret string) string {
	if len(secret) < 3 {
		return secret
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for _, s := range registry.secrets {
		if s == secret {
			return secret
		}
	}
	registry.secrets = append(registry.secrets, secret)
	return secret
}

// Redact replaces every registered secret occurring in s.
func Redact(s string) string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, secret := range registry.secrets {
		s = strings.ReplaceAll(s, secret, mask)
	}
	return s
}

// redactingFormatter wraps a logrus formatter and scrubs registered secrets
// from the message and all field values after formatting.
type redactingFormatter struct {
	inner log.Formatter
}

func (f *redactingFormatter) Format(e *log.Entry) ([]byte, error) {
	var b, err = f.inner.Format(e)
	if err != nil {
		return nil, err
	}
	return []byte(Redact(string(b))), nil
}

// Bootstrap installs the redacting formatter over the current logrus
// formatter. Call once at process start, after mainboilerplate log init.
func Bootstrap() {
	log.SetFormatter(&redactingFormatter{inner: log.StandardLogger().Formatter})
}
