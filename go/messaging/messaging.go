// Package messaging is the broker message envelope library. Every message is
// a versioned, self-describing record: a shared header carries the type tag,
// schema version, service moniker, workflow, state, and correlation id. The
// wire form is RFC 8785 canonical JSON, so encoding is deterministic under
// field reordering and decode(encode(m)) is the identity.
package messaging

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

// SchemaVersion is stamped into every header on encode. Bump on any
// incompatible field change.
const SchemaVersion = 1

// ErrMessageTypeMismatch is returned by Decode when the embedded type tag
// does not name the target message type.
var ErrMessageTypeMismatch = fmt.Errorf("message type mismatch")

// ScanHeader is embedded in every broker message.
type ScanHeader struct {
	MessageType   string              `json:"message_type"`
	SchemaVersion int                 `json:"schema_version"`
	Moniker       string              `json:"moniker"`
	Workflow      string              `json:"workflow"`
	State         workflows.ScanState `json:"state"`
	CorrelationID string              `json:"correlation_id"`
}

func newHeader(typ, moniker string, workflow fmt.Stringer, state workflows.ScanState) ScanHeader {
	return ScanHeader{
		MessageType:   typ,
		SchemaVersion: SchemaVersion,
		Moniker:       moniker,
		Workflow:      workflow.String(),
		State:         state,
		CorrelationID: uuid.NewString(),
	}
}

// Message is any broker message with the shared header.
type Message interface {
	// Type returns the message's fixed type tag.
	Type() string
	// Header returns the embedded header for inspection and update.
	Header() *ScanHeader
}

// Encode produces the canonical wire form of |m|. The header's type tag and
// schema version are stamped before encoding.
func Encode(m Message) ([]byte, error) {
	var h = m.Header()
	h.MessageType = m.Type()
	if h.SchemaVersion == 0 {
		h.SchemaVersion = SchemaVersion
	}

	return encodeCanonical(m)
}

func encodeCanonical(v interface{}) ([]byte, error) {
	var raw, err = json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing message: %w", err)
	}
	return canonical, nil
}

func decodeTagged(data []byte, typ string, into interface{}) error {
	var probe struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("reading message type tag: %w", err)
	}
	if probe.MessageType != typ {
		return fmt.Errorf("decoding %q as %s: %w", probe.MessageType, typ, ErrMessageTypeMismatch)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", typ, err)
	}
	return nil
}

// Decode parses canonical wire bytes into |into|, verifying the embedded type
// tag first. A tag naming a different type fails with ErrMessageTypeMismatch
// and leaves |into| unmodified.
func Decode(data []byte, into Message) error {
	return decodeTagged(data, into.Type(), into)
}

// Compress gzips a payload for transport. Used by the SARIF delivery path.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w = gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flushing compressed payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	var r, err = gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening compressed payload: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return out, nil
}
