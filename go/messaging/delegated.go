package messaging

import (
	"fmt"

	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

// HandoffVersion versions the handoff config record shipped to resolver
// agents. Agents refuse records with a version they don't understand.
const HandoffVersion = 1

// ServiceBinding names a remote endpoint and the credential the agent should
// resolve locally to reach it. Credentials are never transported; CredentialRef
// is a key under the agent's own secret root.
type ServiceBinding struct {
	Endpoint      string `json:"endpoint"`
	CredentialRef string `json:"credential_ref"`
	// Kind disambiguates the API dialect: bbdc, adoe, gh, gl for SCM
	// bindings, empty for the scanner binding.
	Kind string `json:"kind,omitempty"`
	// SSLVerify disables TLS verification toward the endpoint when false.
	SSLVerify bool `json:"ssl_verify"`
}

// HandoffConfig is the explicit, versioned record a resolver agent hydrates
// its SCM and scanner clients from. It replaces transporting live client
// state across process boundaries.
type HandoffConfig struct {
	Version int            `json:"version"`
	Moniker string         `json:"moniker"`
	SCM     ServiceBinding `json:"scm"`
	Scanner ServiceBinding `json:"scanner"`
	// TenantID scopes the scanner binding.
	TenantID string `json:"tenant_id,omitempty"`
	// IAMEndpoint is the scanner's auth endpoint when distinct from the API
	// endpoint.
	IAMEndpoint string `json:"iam_endpoint,omitempty"`
}

// Validate rejects records an agent must not act on.
func (h *HandoffConfig) Validate() error {
	if h.Version != HandoffVersion {
		return fmt.Errorf("unsupported handoff version %d", h.Version)
	}
	if h.SCM.Endpoint == "" || h.Scanner.Endpoint == "" {
		return fmt.Errorf("handoff config missing endpoints")
	}
	return nil
}

// DelegatedScanDetails is the signed body of a delegated scan request. It is
// encoded canonically and signed as an opaque byte sequence; the agent
// verifies the signature before decoding.
type DelegatedScanDetails struct {
	MessageType     string            `json:"message_type"`
	SchemaVersion   int               `json:"schema_version"`
	CloneURL        string            `json:"clone_url"`
	CommitHash      string            `json:"commit_hash"`
	ScanBranch      string            `json:"scan_branch"`
	ScanTags        map[string]string `json:"scan_tags"`
	FileFilters     string            `json:"file_filters,omitempty"`
	ProjectID       string            `json:"project_id"`
	Handoff         HandoffConfig     `json:"handoff"`
	WorkflowDetails WorkflowDetails   `json:"workflow_details"`
}

const typeDelegatedScanDetails = "DelegatedScanDetails"

func (d *DelegatedScanDetails) Type() string { return typeDelegatedScanDetails }

// EncodeDetails produces the canonical byte sequence that is signed and
// shipped inside a DelegatedScanMessage.
func EncodeDetails(d *DelegatedScanDetails) ([]byte, error) {
	d.MessageType = typeDelegatedScanDetails
	if d.SchemaVersion == 0 {
		d.SchemaVersion = SchemaVersion
	}
	return encodeCanonical(d)
}

// DecodeDetails parses signed detail bytes after signature verification.
func DecodeDetails(data []byte) (*DelegatedScanDetails, error) {
	var d DelegatedScanDetails
	if err := decodeTagged(data, typeDelegatedScanDetails, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DelegatedScanMessage is the envelope shipped to a resolver agent. Details
// stay opaque bytes so the signature covers exactly what was signed.
type DelegatedScanMessage struct {
	ScanHeader
	Details          []byte `json:"details"`
	DetailsSignature []byte `json:"details_signature"`
	CaptureLogs      bool   `json:"capture_logs"`
}

func (m *DelegatedScanMessage) Type() string        { return TypeDelegatedScan }
func (m *DelegatedScanMessage) Header() *ScanHeader { return &m.ScanHeader }

// NewDelegatedScanMessage wraps pre-encoded, pre-signed detail bytes.
func NewDelegatedScanMessage(moniker string, workflow workflows.ScanWorkflow, details, signature []byte, captureLogs bool) *DelegatedScanMessage {
	return &DelegatedScanMessage{
		ScanHeader:       newHeader(TypeDelegatedScan, moniker, workflow, workflows.StateExecute),
		Details:          details,
		DetailsSignature: signature,
		CaptureLogs:      captureLogs,
	}
}

// DelegatedScanResultMessage is the agent's response. Details and
// DetailsSignature are preserved byte-for-byte from the request so the
// issuer can verify the result belongs to a workflow it signed.
type DelegatedScanResultMessage struct {
	ScanHeader
	Details          []byte `json:"details"`
	DetailsSignature []byte `json:"details_signature"`
	ResolverExitCode *int   `json:"resolver_exit_code,omitempty"`
	ScanID           string `json:"scan_id,omitempty"`
	Logs             []byte `json:"logs,omitempty"`
}

func (m *DelegatedScanResultMessage) Type() string        { return TypeDelegatedScanResult }
func (m *DelegatedScanResultMessage) Header() *ScanHeader { return &m.ScanHeader }

// NewDelegatedScanResultMessage reports the agent outcome. State is DONE when
// exitCode is present and zero, FAILURE otherwise.
func NewDelegatedScanResultMessage(req *DelegatedScanMessage, exitCode *int, scanID string, logs []byte) *DelegatedScanResultMessage {
	var state = workflows.StateFailure
	if exitCode != nil && *exitCode == 0 {
		state = workflows.StateDone
	}
	var m = &DelegatedScanResultMessage{
		ScanHeader:       newHeader(TypeDelegatedScanResult, req.Moniker, workflows.ScanWorkflow(req.Workflow), state),
		Details:          req.Details,
		DetailsSignature: req.DetailsSignature,
		ResolverExitCode: exitCode,
		ScanID:           scanID,
		Logs:             logs,
	}
	// Keep the request correlation id so issuer logs stitch the conversation.
	m.CorrelationID = req.CorrelationID
	return m
}
