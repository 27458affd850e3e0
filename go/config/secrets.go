package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/checkmarx-ts/cxone-flow/go/cxflog"
)

// Secrets resolves named secrets as files under the configured root. Every
// resolved value is registered for log redaction.
type Secrets struct {
	Root string
}

// Resolve reads the named secret file, trimming trailing whitespace.
func (s *Secrets) Resolve(name string) (string, error) {
	var b, err = s.ResolveBytes(name)
	if err != nil {
		return "", err
	}
	return cxflog.Register(strings.TrimSpace(string(b))), nil
}

// ResolveBytes reads a secret file verbatim, for key material where
// whitespace is significant.
func (s *Secrets) ResolveBytes(name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty secret name", ErrConfig)
	}
	var p = filepath.Join(s.Root, filepath.Clean("/"+name))
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("%w: reading secret %s: %v", ErrConfig, name, err)
	}
	return b, nil
}

// registerURLPassword registers the password component of a connection URL so
// broker URLs with inline credentials never log verbatim.
func registerURLPassword(raw string) {
	var u, err = url.Parse(raw)
	if err != nil || u.User == nil {
		return
	}
	if pw, ok := u.User.Password(); ok {
		cxflog.Register(pw)
	}
}
