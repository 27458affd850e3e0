package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/checkmarx-ts/cxone-flow/go/broker"
	"github.com/checkmarx-ts/cxone-flow/go/cxone"
	"github.com/checkmarx-ts/cxone-flow/go/messaging"
	"github.com/checkmarx-ts/cxone-flow/go/scm/cloner"
	"github.com/checkmarx-ts/cxone-flow/go/signing"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

// ResolverTagKey marks submitted scans with the resolution outcome.
const ResolverTagKey = "resolver"

const (
	resolverTagSuccess = "success"
	resolverTagFailure = "failure"
)

// Publisher is the broker surface the agent needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, m messaging.Message, ttl time.Duration) error
}

// ClonerFactory hydrates a cloner from the SCM binding in a handoff record,
// resolving its credential reference locally.
type ClonerFactory func(handoff *messaging.HandoffConfig) (*cloner.Cloner, error)

// ScannerFactory hydrates a scanner client from the scanner binding in a
// handoff record.
type ScannerFactory func(handoff *messaging.HandoffConfig) (cxone.Client, error)

// Agent services delegated scan requests for one tag. It authenticates each
// request against the issuer's public key, materializes the clone, runs the
// resolver, submits the workspace for scanning, and reports the outcome.
type Agent struct {
	Tag      string
	Verifier *signing.PayloadVerifier
	Runner   Runner

	Publisher Publisher
	Cloners   ClonerFactory
	Scanners  ScannerFactory

	// Excludes and ExtraOpts are route-configured resolver arguments.
	Excludes  []string
	ExtraOpts []string
}

// Queue names the per-tag queue this agent consumes.
func (a *Agent) Queue() string { return broker.ResolverQueue(a.Tag) }

// HandleDelivery processes one delegated scan request. A forged or
// undecodable request returns an error so the broker rejects it without
// requeue; everything after authentication acks, reporting failures through
// the result message instead.
func (a *Agent) HandleDelivery(ctx context.Context, d amqp.Delivery) error {
	var m messaging.DelegatedScanMessage
	if err := messaging.Decode(d.Body, &m); err != nil {
		return fmt.Errorf("decoding delegated scan request: %w", err)
	}
	var logger = log.WithFields(log.Fields{
		"tag":         a.Tag,
		"service":     m.Moniker,
		"correlation": m.CorrelationID,
	})

	if err := a.Verifier.Verify(m.Details, m.DetailsSignature); err != nil {
		logger.Error("delegated scan request signature does not verify, rejecting")
		return fmt.Errorf("verifying delegated scan request: %w", err)
	}
	details, err := messaging.DecodeDetails(m.Details)
	if err != nil {
		return fmt.Errorf("decoding delegated scan details: %w", err)
	}
	if err := details.Handoff.Validate(); err != nil {
		logger.WithError(err).Error("delegated scan handoff unusable, failing scan")
		return a.publishResult(ctx, &m, nil, "", nil)
	}

	if !a.Runner.CanExecute() {
		logger.Error("resolver execution unavailable on this agent, failing scan")
		return a.publishResult(ctx, &m, nil, "", nil)
	}

	var exitCode *int
	var scanID string
	var logs []byte
	run, scan, err := a.execute(ctx, details)
	if run != nil {
		exitCode = &run.ExitCode
		logs = run.Logs
	}
	if scan != nil {
		scanID = scan.ID
	}
	if err != nil {
		logger.WithError(err).Error("delegated scan execution failed")
	} else {
		logger.WithFields(log.Fields{"scan": scanID, "exit": run.ExitCode}).
			Info("delegated scan serviced")
	}
	return a.publishResult(ctx, &m, exitCode, scanID, logs)
}

// execute clones, resolves, and submits. A resolver that exits non-zero is
// not an error here: the scan is still submitted, tagged with the failed
// resolution, and the outcome rides the exit code.
func (a *Agent) execute(ctx context.Context, details *messaging.DelegatedScanDetails) (*RunResult, *cxone.Scan, error) {
	var gitCloner, err = a.Cloners(&details.Handoff)
	if err != nil {
		return nil, nil, fmt.Errorf("hydrating cloner: %w", err)
	}
	scanner, err := a.Scanners(&details.Handoff)
	if err != nil {
		return nil, nil, fmt.Errorf("hydrating scanner client: %w", err)
	}
	project, err := scanner.ProjectByID(ctx, details.ProjectID)
	if err != nil {
		return nil, nil, &cxone.ErrScannerAPI{Op: "delegated project lookup", Err: err}
	}

	work, err := os.MkdirTemp("", "cxoneflow-resolver-*")
	if err != nil {
		return nil, nil, fmt.Errorf("creating workspace: %w", err)
	}
	defer os.RemoveAll(work)

	var dest = filepath.Join(work, "clone")
	clone, err := gitCloner.Execute(ctx, details.CloneURL, dest, false)
	var authErr *cloner.CloneAuthError
	if errors.As(err, &authErr) {
		clone, err = gitCloner.Execute(ctx, details.CloneURL, dest, true)
	}
	if err != nil {
		return nil, nil, err
	}
	if err = clone.ResetHead(ctx, details.CommitHash); err != nil {
		return nil, nil, err
	}

	var logsDir = filepath.Join(work, "logs")
	if err = os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating logs dir: %w", err)
	}
	// The issuer's file filters ride the excludes option, after the agent's
	// own.
	var excludes = a.Excludes
	if details.FileFilters != "" {
		excludes = append(append([]string{}, a.Excludes...), details.FileFilters)
	}
	var inv = &Invocation{
		ClonePath:           clone.Dir,
		LogsPath:            logsDir,
		ContainerResultPath: filepath.Join(work, "containers.json"),
		ResolverResultPath:  filepath.Join(work, "resolver.json"),
		ProjectName:         project.Name,
		Excludes:            excludes,
		ExtraOpts:           a.ExtraOpts,
	}
	run, err := a.Runner.Run(ctx, inv)
	if err != nil {
		return nil, nil, err
	}

	// Result files land inside the clone under the names the scanner looks
	// for. Missing files are fine on failed resolutions.
	placeResult(inv.ResolverResultPath, filepath.Join(clone.Dir, SCAResultsName))
	placeResult(inv.ContainerResultPath, filepath.Join(clone.Dir, ContainerResultsName))

	var tags = map[string]string{}
	for k, v := range details.ScanTags {
		tags[k] = v
	}
	if run.ExitCode == 0 {
		tags[ResolverTagKey] = resolverTagSuccess
	} else {
		tags[ResolverTagKey] = resolverTagFailure
	}

	var zipPath = filepath.Join(work, "upload.zip")
	if err = cloner.Zip(clone.Dir, zipPath); err != nil {
		return run, nil, err
	}
	scan, err := scanner.SubmitScanZip(ctx, details.ProjectID, details.ScanBranch, zipPath, tags)
	if err != nil {
		return run, nil, &cxone.ErrScannerAPI{Op: "delegated scan submit", Err: err}
	}
	return run, scan, nil
}

func placeResult(src, dst string) {
	var in, err = os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return
	}
	defer out.Close()
	if _, err = io.Copy(out, in); err != nil {
		log.WithField("path", dst).WithError(err).Warn("placing resolver result file failed")
	}
}

// publishResult reports the outcome back to the issuer. The request's
// details and signature are passed through untouched so the issuer can
// authenticate the result. Logs ship only when the issuer asked for them.
func (a *Agent) publishResult(ctx context.Context, req *messaging.DelegatedScanMessage, exitCode *int, scanID string, logs []byte) error {
	if !req.CaptureLogs {
		logs = nil
	}
	var result = messaging.NewDelegatedScanResultMessage(req, exitCode, scanID, logs)
	var key = workflows.Topic(workflows.ScopeExec, result.State,
		workflows.ScanWorkflow(result.Workflow), result.Moniker)
	return a.Publisher.Publish(ctx, broker.ExchangeResolver, key, result, 0)
}
