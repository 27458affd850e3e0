package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

func prDetails() WorkflowDetails {
	return WorkflowDetails{
		CloneURL:     "https://scm.example.com/org/repo.git",
		RepoOrg:      "org",
		RepoSlug:     "repo",
		SourceBranch: "feature/x",
		SourceHash:   "deadbeef",
		TargetBranch: "main",
		PRID:         "42",
		PRState:      "OPEN",
		PRStatus:     "active",
	}
}

func TestAwaitMessageRoundTrip(t *testing.T) {
	var m = NewScanAwaitMessage("bbdc-east", workflows.WorkflowPR,
		"proj-1", "scan-1", prDetails(), time.Now().Add(48*time.Hour))

	var enc, err = Encode(m)
	require.NoError(t, err)

	var out ScanAwaitMessage
	require.NoError(t, Decode(enc, &out))
	require.Equal(t, *m, out)

	// Canonical form is stable across repeated encodes.
	enc2, err := Encode(&out)
	require.NoError(t, err)
	require.Equal(t, enc, enc2)
}

func TestFeedbackMessageRoundTrip(t *testing.T) {
	var cases = []struct {
		name     string
		errorMsg string
	}{
		{"success", ""},
		{"failure", "scan failed: engine timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m = NewScanFeedbackMessage("svc", workflows.WorkflowPush,
				"proj", "scan", prDetails(), tc.errorMsg)
			require.Equal(t, tc.errorMsg != "", m.IsError)

			enc, err := Encode(m)
			require.NoError(t, err)

			var out ScanFeedbackMessage
			require.NoError(t, Decode(enc, &out))
			require.Equal(t, *m, out)
		})
	}
}

func TestDecodeWrongTypeFails(t *testing.T) {
	var m = NewScanAnnotationMessage("svc", workflows.WorkflowPR,
		"proj", "scan", prDetails(), "Scan Started")
	var enc, err = Encode(m)
	require.NoError(t, err)

	var out ScanFeedbackMessage
	err = Decode(enc, &out)
	require.ErrorIs(t, err, ErrMessageTypeMismatch)
}

func TestDelegatedDetailsRoundTrip(t *testing.T) {
	var d = &DelegatedScanDetails{
		CloneURL:   "ssh://git@scm.example.com/org/repo.git",
		CommitHash: "cafebabe",
		ScanBranch: "main",
		ScanTags:   map[string]string{"commit": "cafebabe", "workflow": "push"},
		ProjectID:  "proj-9",
		Handoff: HandoffConfig{
			Version: HandoffVersion,
			Moniker: "svc",
			SCM:     ServiceBinding{Endpoint: "https://scm.example.com", CredentialRef: "scm-token", Kind: "bbdc", SSLVerify: true},
			Scanner: ServiceBinding{Endpoint: "https://ast.example.com", CredentialRef: "cxone-oauth", SSLVerify: true},
		},
		WorkflowDetails: prDetails(),
	}

	var enc, err = EncodeDetails(d)
	require.NoError(t, err)

	out, err := DecodeDetails(enc)
	require.NoError(t, err)
	require.Equal(t, d, out)
	require.NoError(t, out.Handoff.Validate())
}

func TestHandoffValidation(t *testing.T) {
	var h = HandoffConfig{Version: 99}
	require.Error(t, h.Validate())

	h = HandoffConfig{Version: HandoffVersion}
	require.Error(t, h.Validate())

	h.SCM.Endpoint = "https://scm"
	h.Scanner.Endpoint = "https://ast"
	require.NoError(t, h.Validate())
}

func TestResultMessageState(t *testing.T) {
	var req = NewDelegatedScanMessage("svc", workflows.WorkflowPush, []byte("details"), []byte("sig"), true)

	var zero, one = 0, 1
	var ok = NewDelegatedScanResultMessage(req, &zero, "scan-5", nil)
	require.Equal(t, workflows.StateDone, ok.State)
	require.Equal(t, req.CorrelationID, ok.CorrelationID)
	require.Equal(t, req.Details, ok.Details)
	require.Equal(t, req.DetailsSignature, ok.DetailsSignature)

	var soft = NewDelegatedScanResultMessage(req, &one, "scan-6", nil)
	require.Equal(t, workflows.StateFailure, soft.State)

	var hard = NewDelegatedScanResultMessage(req, nil, "", nil)
	require.Equal(t, workflows.StateFailure, hard.State)
	require.Empty(t, hard.ScanID)
}

func TestCompressRoundTrip(t *testing.T) {
	var payload = []byte(`{"version":"2.1.0","runs":[]}`)
	var gz, err = Compress(payload)
	require.NoError(t, err)
	require.NotEqual(t, payload, gz)

	out, err := Decompress(gz)
	require.NoError(t, err)
	require.Equal(t, payload, out)
}
