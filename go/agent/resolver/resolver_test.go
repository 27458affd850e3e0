package resolver

import (
	"archive/zip"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/checkmarx-ts/cxone-flow/go/broker"
	"github.com/checkmarx-ts/cxone-flow/go/cxone"
	"github.com/checkmarx-ts/cxone-flow/go/messaging"
	"github.com/checkmarx-ts/cxone-flow/go/scm/cloner"
	"github.com/checkmarx-ts/cxone-flow/go/signing"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

func TestInvocationArgs(t *testing.T) {
	var inv = &Invocation{
		ClonePath:           "/work/clone",
		LogsPath:            "/work/logs",
		ContainerResultPath: "/work/containers.json",
		ResolverResultPath:  "/work/resolver.json",
		ProjectName:         "org/repo",
		Excludes:            []string{"**/test/**", "**/docs/**"},
		ExtraOpts:           []string{"--gradle-parameters", "-PskipTests"},
	}
	require.Equal(t, []string{
		"offline",
		"--gradle-parameters", "-PskipTests",
		"--excludes", "**/test/**,**/docs/**",
		"--logs-path", "/work/logs",
		"--scan-path", "/work/clone",
		"--containers-result-path", "/work/containers.json",
		"--resolver-result-path", "/work/resolver.json",
		"--project-name", "org/repo",
	}, inv.args())
}

// TestToolkitRunnerMountsWorkspace stubs docker with a script that echoes
// its argv: every path handed to the containerized resolver must resolve
// under the /work mount, or its outputs die with the container.
func TestToolkitRunnerMountsWorkspace(t *testing.T) {
	var stub = filepath.Join(t.TempDir(), "docker")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\necho \"$@\"\n"), 0o755))

	var work = t.TempDir()
	var r = &ToolkitRunner{DockerPath: stub, Image: "corp/resolver-toolkit:3", UID: 1000, GID: 1000}
	var res, err = r.Run(context.Background(), &Invocation{
		ClonePath:           filepath.Join(work, "clone"),
		LogsPath:            filepath.Join(work, "logs"),
		ContainerResultPath: filepath.Join(work, "containers.json"),
		ResolverResultPath:  filepath.Join(work, "resolver.json"),
		ProjectName:         "org/repo",
	})
	require.NoError(t, err)
	require.Zero(t, res.ExitCode)

	var argv = string(res.Logs)
	require.Contains(t, argv, "-v "+work+":/work")
	require.Contains(t, argv, "-w /work/clone")
	require.Contains(t, argv, "--scan-path /work/clone")
	require.Contains(t, argv, "--logs-path /work/logs")
	require.Contains(t, argv, "--containers-result-path /work/containers.json")
	require.Contains(t, argv, "--resolver-result-path /work/resolver.json")
	require.Contains(t, argv, "--user 1000:1000")
}

func TestToolkitRunnerRejectsStrayPaths(t *testing.T) {
	var work = t.TempDir()
	var r = &ToolkitRunner{Image: "corp/resolver-toolkit:3"}
	var _, err = r.Run(context.Background(), &Invocation{
		ClonePath: filepath.Join(work, "clone"),
		LogsPath:  "/var/log/elsewhere",
	})
	require.Error(t, err)
}

type stageRunner struct {
	can  bool
	exit int
	logs string
}

func (r *stageRunner) CanExecute() bool { return r.can }
func (r *stageRunner) Run(context.Context, *Invocation) (*RunResult, error) {
	return &RunResult{ExitCode: r.exit, Logs: []byte(r.logs)}, nil
}

func TestTwoStageRunnerCombinesStages(t *testing.T) {
	var r = &TwoStageRunner{
		Pre:   &stageRunner{can: true, exit: 1, logs: "pre\n"},
		Inner: &stageRunner{can: true, exit: 2, logs: "main\n"},
		Post:  &stageRunner{can: true, logs: "post\n"},
	}
	require.True(t, r.CanExecute())

	var res, err = r.Run(context.Background(), &Invocation{})
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "pre\nmain\npost\n", string(res.Logs))
}

func TestTwoStageRunnerRequiresEveryStage(t *testing.T) {
	var r = &TwoStageRunner{
		Inner: &stageRunner{can: true},
		Post:  &stageRunner{can: false},
	}
	require.False(t, r.CanExecute())
}

type published struct {
	exchange string
	key      string
	message  messaging.Message
}

type fakePublisher struct {
	published []published
}

func (f *fakePublisher) Publish(_ context.Context, exchange, key string, m messaging.Message, _ time.Duration) error {
	f.published = append(f.published, published{exchange, key, m})
	return nil
}

type fakeScannerClient struct {
	cxone.Client
	tags     map[string]string
	zipNames []string
	scanID   string
}

func (f *fakeScannerClient) ProjectByID(_ context.Context, id string) (*cxone.Project, error) {
	return &cxone.Project{ID: id, Name: "CORP/repo"}, nil
}
func (f *fakeScannerClient) SubmitScanZip(_ context.Context, _, _ string, zipPath string, tags map[string]string) (*cxone.Scan, error) {
	f.tags = tags
	var r, err = zip.OpenReader(zipPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for _, file := range r.File {
		f.zipNames = append(f.zipNames, file.Name)
	}
	return &cxone.Scan{ID: f.scanID}, nil
}

// resultWriter mimics a resolver run: it drops the result file and reports
// the configured exit code.
type resultWriter struct {
	exit int
	inv  *Invocation
}

func (r *resultWriter) CanExecute() bool { return true }
func (r *resultWriter) Run(_ context.Context, inv *Invocation) (*RunResult, error) {
	r.inv = inv
	if err := os.WriteFile(inv.ResolverResultPath, []byte(`{"dependencies":[]}`), 0o644); err != nil {
		return nil, err
	}
	return &RunResult{ExitCode: r.exit, Logs: []byte("resolved 12 dependencies\n")}, nil
}

func validHandoff() messaging.HandoffConfig {
	return messaging.HandoffConfig{
		Version: messaging.HandoffVersion,
		Moniker: "svc",
		SCM:     messaging.ServiceBinding{Endpoint: "https://scm", CredentialRef: "scm-pat", Kind: "bbdc"},
		Scanner: messaging.ServiceBinding{Endpoint: "https://scanner", CredentialRef: "scanner-oauth"},
	}
}

func signedRequest(t *testing.T, signer *signing.PayloadSigner, details *messaging.DelegatedScanDetails, captureLogs bool) amqp.Delivery {
	t.Helper()
	var encoded, err = messaging.EncodeDetails(details)
	require.NoError(t, err)
	sig, err := signer.Sign(encoded)
	require.NoError(t, err)
	body, err := messaging.Encode(messaging.NewDelegatedScanMessage("svc", workflows.WorkflowPush, encoded, sig, captureLogs))
	require.NoError(t, err)
	return amqp.Delivery{Body: body}
}

func newSigner(t *testing.T) *signing.PayloadSigner {
	t.Helper()
	var _, priv, err = ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	signer, err := signing.NewPayloadSigner(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	require.NoError(t, err)
	return signer
}

func newAgent(signer *signing.PayloadSigner, runner Runner, scanner cxone.Client) (*Agent, *fakePublisher) {
	var pub = &fakePublisher{}
	return &Agent{
		Tag:       "east",
		Verifier:  signing.NewPayloadVerifierFromKey(signer.Public()),
		Runner:    runner,
		Publisher: pub,
		Cloners: func(*messaging.HandoffConfig) (*cloner.Cloner, error) {
			return &cloner.Cloner{Auth: &cloner.TokenAuth{Token: "token"}, SSLVerify: true}, nil
		},
		Scanners: func(*messaging.HandoffConfig) (cxone.Client, error) { return scanner, nil },
	}, pub
}

func gitRepo(t *testing.T) (dir, head string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir = t.TempDir()
	var run = func(args ...string) string {
		var cmd = exec.Command("git", append([]string{
			"-c", "user.name=t", "-c", "user.email=t@t", "-C", dir}, args...)...)
		var out, err = cmd.CombinedOutput()
		require.NoError(t, err, string(out))
		return strings.TrimSpace(string(out))
	}
	run("init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pom.xml"), []byte("<project/>"), 0o644))
	run("add", "pom.xml")
	run("commit", "-q", "-m", "initial")
	return dir, run("rev-parse", "HEAD")
}

func TestForgedRequestRejected(t *testing.T) {
	var signer = newSigner(t)
	var agent, pub = newAgent(newSigner(t), &resultWriter{}, &fakeScannerClient{})

	var details = &messaging.DelegatedScanDetails{
		CloneURL: "https://scm/r.git", CommitHash: "abc", Handoff: validHandoff()}
	var err = agent.HandleDelivery(context.Background(), signedRequest(t, signer, details, false))
	require.Error(t, err)
	require.Empty(t, pub.published)
}

func TestUnusableHandoffFailsScan(t *testing.T) {
	var signer = newSigner(t)
	var agent, pub = newAgent(signer, &resultWriter{}, &fakeScannerClient{})

	var details = &messaging.DelegatedScanDetails{CloneURL: "https://scm/r.git", CommitHash: "abc"}
	require.NoError(t, agent.HandleDelivery(context.Background(), signedRequest(t, signer, details, false)))

	require.Len(t, pub.published, 1)
	var result = pub.published[0].message.(*messaging.DelegatedScanResultMessage)
	require.Equal(t, workflows.StateFailure, result.State)
	require.Nil(t, result.ResolverExitCode)
	require.Empty(t, result.ScanID)
	require.Equal(t, broker.ExchangeResolver, pub.published[0].exchange)
	require.Equal(t, "cxoneflow.exec.failed.push.svc", pub.published[0].key)
}

func TestUnexecutableAgentFailsScan(t *testing.T) {
	var signer = newSigner(t)
	var agent, pub = newAgent(signer, &stageRunner{can: false}, &fakeScannerClient{})

	var details = &messaging.DelegatedScanDetails{
		CloneURL: "https://scm/r.git", CommitHash: "abc", Handoff: validHandoff()}
	require.NoError(t, agent.HandleDelivery(context.Background(), signedRequest(t, signer, details, false)))

	require.Len(t, pub.published, 1)
	var result = pub.published[0].message.(*messaging.DelegatedScanResultMessage)
	require.Equal(t, workflows.StateFailure, result.State)
	require.Nil(t, result.ResolverExitCode)
}

func TestDelegatedScanServiced(t *testing.T) {
	var repo, head = gitRepo(t)
	var signer = newSigner(t)
	var scanner = &fakeScannerClient{scanID: "scan-1"}
	var runner = &resultWriter{}
	var agent, pub = newAgent(signer, runner, scanner)
	agent.Excludes = []string{"**/test/**"}

	var details = &messaging.DelegatedScanDetails{
		CloneURL:        repo,
		CommitHash:      head,
		ScanBranch:      "main",
		ScanTags:        map[string]string{"commit": head},
		FileFilters:     "!**/node_modules/**",
		ProjectID:       "p1",
		Handoff:         validHandoff(),
		WorkflowDetails: messaging.WorkflowDetails{RepoSlug: "repo"},
	}
	require.NoError(t, agent.HandleDelivery(context.Background(), signedRequest(t, signer, details, false)))

	// The resolver sees the scanner's project name and the issuer's file
	// filters appended to the agent's own excludes.
	require.Equal(t, "CORP/repo", runner.inv.ProjectName)
	require.Equal(t, []string{"**/test/**", "!**/node_modules/**"}, runner.inv.Excludes)

	require.Equal(t, "success", scanner.tags[ResolverTagKey])
	require.Equal(t, head, scanner.tags["commit"])
	require.Contains(t, scanner.zipNames, SCAResultsName)
	require.Contains(t, scanner.zipNames, "pom.xml")

	require.Len(t, pub.published, 1)
	var result = pub.published[0].message.(*messaging.DelegatedScanResultMessage)
	require.Equal(t, workflows.StateDone, result.State)
	require.Equal(t, "scan-1", result.ScanID)
	require.NotNil(t, result.ResolverExitCode)
	require.Zero(t, *result.ResolverExitCode)
	require.Empty(t, result.Logs)
	require.Equal(t, "cxoneflow.exec.finished.push.svc", pub.published[0].key)
}

func TestFailedResolutionStillSubmits(t *testing.T) {
	var repo, head = gitRepo(t)
	var signer = newSigner(t)
	var scanner = &fakeScannerClient{scanID: "scan-2"}
	var agent, pub = newAgent(signer, &resultWriter{exit: 2}, scanner)

	var details = &messaging.DelegatedScanDetails{
		CloneURL:   repo,
		CommitHash: head,
		ScanBranch: "main",
		ProjectID:  "p1",
		Handoff:    validHandoff(),
	}
	require.NoError(t, agent.HandleDelivery(context.Background(), signedRequest(t, signer, details, true)))

	require.Equal(t, "failure", scanner.tags[ResolverTagKey])

	require.Len(t, pub.published, 1)
	var result = pub.published[0].message.(*messaging.DelegatedScanResultMessage)
	require.Equal(t, workflows.StateFailure, result.State)
	require.Equal(t, "scan-2", result.ScanID)
	require.Equal(t, 2, *result.ResolverExitCode)
	require.Contains(t, string(result.Logs), "resolved 12 dependencies")
}
