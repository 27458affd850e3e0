// Package cloner drives git for workspace materialization. Each credential
// mode injects authentication through the environment or ephemeral config so
// nothing secret lands in the clone URL written to disk.
package cloner

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/checkmarx-ts/cxone-flow/go/cxflog"
)

// CloneAuthError marks a clone rejected by the remote for bad credentials.
// The dispatcher retries exactly once with fresh credentials before
// surfacing it.
type CloneAuthError struct {
	URL    string
	Stderr string
}

func (e *CloneAuthError) Error() string {
	return fmt.Sprintf("clone of %s rejected: authentication failed", e.URL)
}

// Remotes signal bad credentials with exit 128 and one of a few stderr
// shapes.
var authFailurePattern = regexp.MustCompile(
	`(?i)(invalid username or password|authentication failed|could not read (Username|Password)|Permission denied \(publickey\))`)

// Authenticator prepares credentials for a single git invocation.
type Authenticator interface {
	// prepare returns extra git -c config arguments, extra environment, and
	// the possibly rewritten clone url. forceReauth requests fresh
	// credentials where the mode mints them. A non-nil cleanup releases
	// credential material once the invocation finishes.
	prepare(ctx context.Context, cloneURL string, forceReauth bool) (args []string, env []string, url string, cleanup func(), err error)
}

// BasicAuth authenticates with username/password, either embedded in the
// url or as an Authorization header.
type BasicAuth struct {
	Username string
	Password string
	InHeader bool
}

func (a *BasicAuth) prepare(_ context.Context, cloneURL string, _ bool) ([]string, []string, string, func(), error) {
	cxflog.Register(a.Password)
	if a.InHeader {
		var cred = base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		return []string{"-c", "http.extraHeader=Authorization: Basic " + cred}, nil, cloneURL, nil, nil
	}
	var u, err = url.Parse(cloneURL)
	if err != nil {
		return nil, nil, "", nil, fmt.Errorf("parsing clone url: %w", err)
	}
	u.User = url.UserPassword(a.Username, a.Password)
	return nil, nil, u.String(), nil, nil
}

// TokenAuth authenticates with a bearer token header.
type TokenAuth struct {
	Token string
}

func (a *TokenAuth) prepare(_ context.Context, cloneURL string, _ bool) ([]string, []string, string, func(), error) {
	cxflog.Register(a.Token)
	return []string{"-c", "http.extraHeader=Authorization: Bearer " + a.Token}, nil, cloneURL, nil, nil
}

// SSHAuth authenticates with a private key written to an ephemeral file for
// the duration of the command.
type SSHAuth struct {
	PrivateKey []byte
}

func (a *SSHAuth) prepare(_ context.Context, cloneURL string, _ bool) ([]string, []string, string, func(), error) {
	var f, err = os.CreateTemp("", "clone-key-*")
	if err != nil {
		return nil, nil, "", nil, fmt.Errorf("writing ssh key: %w", err)
	}
	if err = f.Chmod(0o600); err == nil {
		_, err = f.Write(a.PrivateKey)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, nil, "", nil, fmt.Errorf("writing ssh key: %w", err)
	}
	var env = []string{
		"GIT_SSH_COMMAND=ssh -i " + f.Name() +
			" -o StrictHostKeyChecking=accept-new -o IdentitiesOnly=yes",
	}
	return nil, env, cloneURL, func() { os.Remove(f.Name()) }, nil
}

// GithubAppAuth mints a short-lived installation token per clone.
type GithubAppAuth struct {
	// MintToken returns an installation token. forceReauth requests a fresh
	// one, bypassing any mint-side cache.
	MintToken func(ctx context.Context, forceReauth bool) (string, error)
}

func (a *GithubAppAuth) prepare(ctx context.Context, cloneURL string, forceReauth bool) ([]string, []string, string, func(), error) {
	var token, err = a.MintToken(ctx, forceReauth)
	if err != nil {
		return nil, nil, "", nil, fmt.Errorf("minting installation token: %w", err)
	}
	cxflog.Register(token)
	u, err := url.Parse(cloneURL)
	if err != nil {
		return nil, nil, "", nil, fmt.Errorf("parsing clone url: %w", err)
	}
	u.User = url.UserPassword("x-access-token", token)
	return nil, nil, u.String(), nil, nil
}

// Cloner runs git clones with one credential mode.
type Cloner struct {
	Auth Authenticator
	// SSLVerify disables certificate verification toward the remote when
	// false.
	SSLVerify bool
	// CloneDepth limits history depth when positive.
	CloneDepth int
}

// Clone is a materialized working copy.
type Clone struct {
	Dir string
	env []string
}

func baseEnv(sslVerify bool) []string {
	var env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=/bin/false",
	)
	if !sslVerify {
		env = append(env, "GIT_SSL_NO_VERIFY=true")
	}
	return env
}

func runGit(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	var cmd = exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	var err = cmd.Run()
	return stderr.String(), err
}

// Execute clones cloneURL into dest. Exit 128 with an auth-shaped stderr
// becomes CloneAuthError so the caller can retry once with fresh
// credentials.
func (c *Cloner) Execute(ctx context.Context, cloneURL, dest string, forceReauth bool) (*Clone, error) {
	var extraArgs, extraEnv, authedURL, cleanup, err = c.Auth.prepare(ctx, cloneURL, forceReauth)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}
	var env = append(baseEnv(c.SSLVerify), extraEnv...)

	var args = append([]string{}, extraArgs...)
	args = append(args, "clone")
	if c.CloneDepth > 0 {
		args = append(args, "--depth", fmt.Sprintf("%d", c.CloneDepth))
	}
	args = append(args, authedURL, dest)

	stderr, err := runGit(ctx, "", env, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 128 && authFailurePattern.MatchString(stderr) {
			return nil, &CloneAuthError{URL: cloneURL, Stderr: cxflog.Redact(stderr)}
		}
		return nil, fmt.Errorf("cloning %s: %w: %s", cloneURL, err, cxflog.Redact(stderr))
	}

	var clone = &Clone{Dir: dest, env: env}
	clone.initSubmodules(ctx)
	return clone, nil
}

// Submodule materialization is best-effort: a failing submodule must not
// fail the scan of the superproject.
func (c *Clone) initSubmodules(ctx context.Context) {
	if _, err := os.Stat(filepath.Join(c.Dir, ".gitmodules")); err != nil {
		return
	}
	if stderr, err := runGit(ctx, c.Dir, c.env, "submodule", "init"); err != nil {
		log.WithField("dir", c.Dir).Warnf("submodule init failed: %s", strings.TrimSpace(stderr))
		return
	}
	if stderr, err := runGit(ctx, c.Dir, c.env, "submodule", "update", "--recursive"); err != nil {
		log.WithField("dir", c.Dir).Warnf("submodule update failed: %s", strings.TrimSpace(stderr))
	}
}

// ResetHead hard-resets the clone to a specific commit.
func (c *Clone) ResetHead(ctx context.Context, hash string) error {
	if stderr, err := runGit(ctx, c.Dir, c.env, "reset", "--hard", hash); err != nil {
		return fmt.Errorf("resetting to %s: %w: %s", hash, err, strings.TrimSpace(stderr))
	}
	return nil
}

// Zip archives a working copy for scanner upload, omitting git metadata.
func Zip(dir, zipPath string) error {
	var f, err = os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer f.Close()

	var w = zip.NewWriter(f)
	err = filepath.WalkDir(dir, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		dst, err := w.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(dst, src)
		return err
	})
	if err != nil {
		return fmt.Errorf("archiving %s: %w", dir, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("finishing archive: %w", err)
	}
	return nil
}
