package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
)

// ContentType identifies coordination payloads in the mailbox.
const ContentType = "application/vnd.convoy.coordination+json"

// ContentTypeGzip marks a gzipped coordination payload.
const ContentTypeGzip = ContentType + "; compression=gzip"

// CompressionThreshold is the serialized size in bytes above which
// EncodeAuto gzips the body. Compression is sender policy only; Decode
// accepts both forms regardless.
const CompressionThreshold = 4 * 1024

// Codec errors. Callers classify with errors.Is.
var (
	// ErrUnknownType marks an envelope whose type discriminator names no
	// known variant. Pollers skip these rather than aborting the batch.
	ErrUnknownType = errors.New("unknown message type")

	// ErrMalformed marks an envelope that is not valid JSON or lacks the
	// type discriminator.
	ErrMalformed = errors.New("malformed message")
)

// Marshal serializes a message to a JSON object carrying the type
// discriminator alongside the variant's own fields.
func Marshal(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", m.Type(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", m.Type(), err)
	}
	fields["type"], _ = json.Marshal(m.Type())

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", m.Type(), err)
	}
	return out, nil
}

// Unmarshal dispatches on the type discriminator and parses the matching
// variant. Unknown discriminators return ErrUnknownType; bodies that are not
// JSON objects or lack a type return ErrMalformed.
func Unmarshal(data []byte) (Message, error) {
	var head struct {
		Type MsgType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformed)
	}

	var m Message
	switch head.Type {
	case TypeTaskAssign:
		m = &TaskAssign{}
	case TypeTaskAck:
		m = &TaskAck{}
	case TypeProgress:
		m = &Progress{}
	case TypeResult:
		m = &Result{}
	case TypeIdle:
		m = &Idle{}
	case TypeQuestion:
		m = &Question{}
	case TypeAnswer:
		m = &Answer{}
	case TypePermissionRequest:
		m = &PermissionRequest{}
	case TypePermissionResponse:
		m = &PermissionResponse{}
	case TypeTerminate:
		m = &Terminate{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrMalformed, head.Type, err)
	}
	return m, nil
}

// Encode serializes a message for the mailbox without compression.
// Returns the body and the content type to send alongside it.
func Encode(m Message) ([]byte, string, error) {
	body, err := Marshal(m)
	if err != nil {
		return nil, "", err
	}
	return body, ContentType, nil
}

// EncodeCompressed serializes a message and gzips the body.
func EncodeCompressed(m Message) ([]byte, string, error) {
	body, err := Marshal(m)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, "", fmt.Errorf("compressing %s: %w", m.Type(), err)
	}
	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("compressing %s: %w", m.Type(), err)
	}
	return buf.Bytes(), ContentTypeGzip, nil
}

// EncodeAuto serializes a message, compressing only when the body exceeds
// CompressionThreshold.
func EncodeAuto(m Message) ([]byte, string, error) {
	body, err := Marshal(m)
	if err != nil {
		return nil, "", err
	}
	if len(body) <= CompressionThreshold {
		return body, ContentType, nil
	}
	return EncodeCompressed(m)
}

// Decode parses a mailbox body according to its content type, transparently
// decompressing gzipped payloads.
func Decode(body []byte, contentType string) (Message, error) {
	if IsCompressed(contentType) {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrMalformed, err)
		}
		defer zr.Close()

		raw, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrMalformed, err)
		}
		body = raw
	}
	return Unmarshal(body)
}

// IsCoordination reports whether a content type names the coordination
// protocol, with or without parameters.
func IsCoordination(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Fall back to a prefix check for sloppy senders.
		return strings.HasPrefix(strings.TrimSpace(contentType), ContentType)
	}
	return mediaType == ContentType
}

// IsCompressed reports whether the content type declares gzip compression.
func IsCompressed(contentType string) bool {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "compression=gzip")
	}
	return params["compression"] == "gzip"
}
