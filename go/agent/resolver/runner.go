// Package resolver is the remote agent side of the delegated-resolver
// protocol: it consumes delegated scan requests for its tag, runs the
// dependency resolver over a fresh clone, submits the result to the scanner,
// and publishes a signed-through result message.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// Result file names the scanner expects inside the uploaded workspace.
const (
	SCAResultsName       = ".cxsca-results.json"
	ContainerResultsName = ".cxsca-container-results.json"
)

// Invocation is one resolver run over a clone.
type Invocation struct {
	ClonePath string
	LogsPath  string
	// ContainerResultPath and ResolverResultPath are where the resolver
	// writes its output files.
	ContainerResultPath string
	ResolverResultPath  string
	ProjectName         string
	Excludes            []string
	// ExtraOpts are route-configured resolver options.
	ExtraOpts []string
}

// args renders the resolver's enumerated CLI option set.
func (inv *Invocation) args() []string {
	var a = []string{"offline"}
	a = append(a, inv.ExtraOpts...)
	if len(inv.Excludes) > 0 {
		a = append(a, "--excludes", strings.Join(inv.Excludes, ","))
	}
	a = append(a,
		"--logs-path", inv.LogsPath,
		"--scan-path", inv.ClonePath,
		"--containers-result-path", inv.ContainerResultPath,
		"--resolver-result-path", inv.ResolverResultPath,
		"--project-name", inv.ProjectName,
	)
	return a
}

// RunResult carries the resolver outcome back to the issuer.
type RunResult struct {
	ExitCode int
	Logs     []byte
}

// Runner executes the resolver in one of the configured modes.
type Runner interface {
	// CanExecute reports whether this agent can run the resolver at all.
	// Agents that cannot respond with a hard failure instead of consuming
	// messages they will never service.
	CanExecute() bool
	Run(ctx context.Context, inv *Invocation) (*RunResult, error)
}

func runCommand(ctx context.Context, name string, args []string, dir string) (*RunResult, error) {
	var cmd = exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	var err = cmd.Run()
	if err == nil {
		return &RunResult{ExitCode: 0, Logs: out.Bytes()}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &RunResult{ExitCode: exitErr.ExitCode(), Logs: out.Bytes()}, nil
	}
	return nil, fmt.Errorf("running %s: %w", name, err)
}

// ShellRunner executes the resolver binary directly, optionally as another
// user.
type ShellRunner struct {
	ResolverPath string
	// RunAs impersonates another local user via sudo. The clone tree is
	// recursively opened up first so the runas user can read and write it.
	RunAs string
}

func (r *ShellRunner) CanExecute() bool {
	var _, err = os.Stat(r.ResolverPath)
	return err == nil
}

func (r *ShellRunner) Run(ctx context.Context, inv *Invocation) (*RunResult, error) {
	if r.RunAs != "" {
		if err := chmodTree(inv.ClonePath); err != nil {
			return nil, err
		}
		var args = append([]string{"-u", r.RunAs, r.ResolverPath}, inv.args()...)
		return runCommand(ctx, "sudo", args, inv.ClonePath)
	}
	return runCommand(ctx, r.ResolverPath, inv.args(), inv.ClonePath)
}

func chmodTree(root string) error {
	return filepath.WalkDir(root, func(p string, _ os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Chmod(p, 0o777)
	})
}

// ToolkitRunner executes the resolver inside a containerized toolkit image
// with the workspace bind-mounted at /work and the clone at /work/clone.
type ToolkitRunner struct {
	DockerPath string
	Image      string
	UID, GID   int
}

func (r *ToolkitRunner) docker() string {
	if r.DockerPath != "" {
		return r.DockerPath
	}
	return "docker"
}

func (r *ToolkitRunner) CanExecute() bool {
	var _, err = exec.LookPath(r.docker())
	return err == nil && r.Image != ""
}

func (r *ToolkitRunner) containerArgs(work, workdir string, entrypoint []string) []string {
	var args = []string{"run", "--rm",
		"-v", work + ":/work",
		"-w", workdir,
		"-e", "HOME=" + workdir,
	}
	if r.UID > 0 {
		args = append(args, "--user", strconv.Itoa(r.UID)+":"+strconv.Itoa(r.GID))
	}
	args = append(args, r.Image)
	return append(args, entrypoint...)
}

// Run mounts the whole workspace, not just the clone: the result and log
// paths are siblings of the clone and must land on the host after --rm
// discards the container filesystem.
func (r *ToolkitRunner) Run(ctx context.Context, inv *Invocation) (*RunResult, error) {
	var work = filepath.Dir(inv.ClonePath)
	var contained = *inv
	for _, p := range []*string{
		&contained.ClonePath, &contained.LogsPath,
		&contained.ContainerResultPath, &contained.ResolverResultPath,
	} {
		var rewritten, err = containedPath(work, *p)
		if err != nil {
			return nil, err
		}
		*p = rewritten
	}
	return runCommand(ctx, r.docker(),
		r.containerArgs(work, contained.ClonePath, append([]string{"cxone-resolver"}, contained.args()...)), "")
}

// containedPath maps a host path under the workspace onto its view under the
// /work mount.
func containedPath(work, host string) (string, error) {
	var rel, err = filepath.Rel(work, host)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside workspace %s", host, work)
	}
	return path.Join("/work", filepath.ToSlash(rel)), nil
}

// scriptRunner runs one shell script inside the toolkit container with the
// clone mounted at /code.
type scriptRunner struct {
	toolkit *ToolkitRunner
	shell   string
	script  string
}

func (r *scriptRunner) CanExecute() bool { return r.toolkit.CanExecute() }

func (r *scriptRunner) Run(ctx context.Context, inv *Invocation) (*RunResult, error) {
	var shell = r.shell
	if shell == "" {
		shell = "/bin/sh"
	}
	var args = []string{"run", "--rm",
		"-v", inv.ClonePath + ":/code",
		"-w", "/code",
		"-e", "HOME=/code",
		"--entrypoint", shell,
		r.toolkit.Image,
		"-c", r.script,
	}
	return runCommand(ctx, r.toolkit.docker(), args, "")
}

// TwoStageRunner brackets another runner with optional pre and post stages.
// The combined exit code is the OR of all stages and the logs are
// concatenated in stage order.
type TwoStageRunner struct {
	Pre, Inner, Post Runner
}

// NewTwoStageRunner wraps inner with containerized shell scripts. Empty
// scripts are skipped.
func NewTwoStageRunner(toolkit *ToolkitRunner, shell, preScript, postScript string, inner Runner) *TwoStageRunner {
	var r = &TwoStageRunner{Inner: inner}
	if preScript != "" {
		r.Pre = &scriptRunner{toolkit: toolkit, shell: shell, script: preScript}
	}
	if postScript != "" {
		r.Post = &scriptRunner{toolkit: toolkit, shell: shell, script: postScript}
	}
	return r
}

func (r *TwoStageRunner) CanExecute() bool {
	for _, stage := range []Runner{r.Pre, r.Inner, r.Post} {
		if stage != nil && !stage.CanExecute() {
			return false
		}
	}
	return true
}

func (r *TwoStageRunner) Run(ctx context.Context, inv *Invocation) (*RunResult, error) {
	var combined = &RunResult{}
	for _, stage := range []Runner{r.Pre, r.Inner, r.Post} {
		if stage == nil {
			continue
		}
		var res, err = stage.Run(ctx, inv)
		if err != nil {
			return nil, err
		}
		combined.ExitCode |= res.ExitCode
		combined.Logs = append(combined.Logs, res.Logs...)
	}
	return combined, nil
}

// NoOpRunner is for agents that only run the pre/post shell stages.
type NoOpRunner struct{}

func (NoOpRunner) CanExecute() bool { return true }
func (NoOpRunner) Run(context.Context, *Invocation) (*RunResult, error) {
	return &RunResult{ExitCode: 0}, nil
}
