package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxLineBytes bounds a single protocol line.
const MaxLineBytes = 4 << 20

const newline = '\n'

var (
	// ErrInvalidJSON indicates a line that is not JSON at all.
	ErrInvalidJSON = errors.New("invalid JSON")
	// ErrNotObject indicates a line that is valid JSON but not a JSON object.
	ErrNotObject = errors.New("line is not a JSON object")
	// ErrEmbeddedNewline indicates an encoded payload that would span lines.
	ErrEmbeddedNewline = errors.New("encoded payload contains a newline")
	// ErrMissingAction indicates a request without an action field.
	ErrMissingAction = errors.New("missing action")
	// ErrUnknownAction indicates a request whose action is not part of the protocol.
	ErrUnknownAction = errors.New("unknown action")
	// ErrMissingStatus indicates a response without a status field.
	ErrMissingStatus = errors.New("missing status")
	// ErrUnknownStatus indicates a response whose status is not part of the protocol.
	ErrUnknownStatus = errors.New("unknown status")
	// ErrLineTooLong indicates a line longer than MaxLineBytes.
	ErrLineTooLong = errors.New("protocol line too long")
)

// ProtocolError reports malformed wire data. It is fatal to the current call,
// not to the worker.
type ProtocolError struct {
	Line []byte
	Err  error
}

func (e *ProtocolError) Error() string {
	const maxQuoted = 120

	line := e.Line
	if len(line) > maxQuoted {
		line = line[:maxQuoted]
	}

	return fmt.Sprintf("protocol error: %v (line %q)", e.Err, line)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolError(line []byte, err error) *ProtocolError {
	return &ProtocolError{Line: bytes.Clone(line), Err: err}
}

type precomputeEnvelope struct {
	Action Action `json:"action"`
	Precompute
}

type generateEnvelope struct {
	Action Action `json:"action"`
	Generate
}

type bareEnvelope struct {
	Action Action `json:"action"`
}

// EncodeCommand serializes cmd to one newline-terminated line.
func EncodeCommand(cmd Command) ([]byte, error) {
	var envelope any

	switch typed := cmd.(type) {
	case Precompute:
		envelope = precomputeEnvelope{Action: ActionPrecompute, Precompute: typed}
	case Generate:
		envelope = generateEnvelope{Action: ActionGenerate, Generate: typed}
	case Ping:
		envelope = bareEnvelope{Action: ActionPing}
	case Quit:
		envelope = bareEnvelope{Action: ActionQuit}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownAction, cmd)
	}

	return encodeLine(envelope)
}

// EncodeResponse serializes resp to one newline-terminated line.
func EncodeResponse(resp Response) ([]byte, error) {
	return encodeLine(resp)
}

func encodeLine(value any) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protocol line: %w", err)
	}

	if bytes.IndexByte(payload, newline) >= 0 {
		return nil, protocolError(payload, ErrEmbeddedNewline)
	}

	return append(payload, newline), nil
}

// DecodeCommand parses one request line.
func DecodeCommand(line []byte) (Command, error) {
	var envelope bareEnvelope

	err := decodeObject(line, &envelope)
	if err != nil {
		return nil, err
	}

	switch envelope.Action {
	case ActionPrecompute:
		var cmd Precompute

		err = decodeInto(line, &cmd)
		if err != nil {
			return nil, err
		}

		return cmd, nil
	case ActionGenerate:
		var cmd Generate

		err = decodeInto(line, &cmd)
		if err != nil {
			return nil, err
		}

		return cmd, nil
	case ActionPing:
		return Ping{}, nil
	case ActionQuit:
		return Quit{}, nil
	case "":
		return nil, protocolError(line, ErrMissingAction)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, envelope.Action)
	}
}

// DecodeResponse parses one response line.
func DecodeResponse(line []byte) (*Response, error) {
	var resp Response

	err := decodeObject(line, &resp)
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case StatusOK, StatusError, StatusReady, StatusPong, StatusBye:
		return &resp, nil
	case "":
		return nil, protocolError(line, ErrMissingStatus)
	default:
		return nil, protocolError(line, fmt.Errorf("%w: %q", ErrUnknownStatus, resp.Status))
	}
}

func decodeObject(line []byte, target any) error {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if len(trimmed) > 0 && !json.Valid(trimmed) {
			return protocolError(line, ErrInvalidJSON)
		}

		return protocolError(line, ErrNotObject)
	}

	return decodeInto(trimmed, target)
}

func decodeInto(line []byte, target any) error {
	err := json.Unmarshal(line, target)
	if err != nil {
		return protocolError(line, err)
	}

	return nil
}

// Reader reads protocol lines from a stream.
type Reader struct {
	reader *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{reader: bufio.NewReader(r)}
}

// ReadLine returns the next line without its terminator. A final line without
// a terminator is returned as-is; io.EOF is returned once the stream is drained.
func (r *Reader) ReadLine() ([]byte, error) {
	var line []byte

	for {
		fragment, isPrefix, err := r.reader.ReadLine()
		if err != nil {
			if len(line) > 0 && errors.Is(err, io.EOF) {
				return line, nil
			}

			return nil, err
		}

		line = append(line, fragment...)
		if len(line) > MaxLineBytes {
			return nil, protocolError(line, ErrLineTooLong)
		}

		if !isPrefix {
			return line, nil
		}
	}
}

// Write encodes cmd and writes it to w in a single call.
func Write(w io.Writer, cmd Command) error {
	line, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}

	_, err = w.Write(line)
	if err != nil {
		return fmt.Errorf("failed to write %s command: %w", cmd.Action(), err)
	}

	return nil
}

// Respond encodes resp and writes it to w in a single call.
func Respond(w io.Writer, resp Response) error {
	line, err := EncodeResponse(resp)
	if err != nil {
		return err
	}

	_, err = w.Write(line)
	if err != nil {
		return fmt.Errorf("failed to write %s response: %w", resp.Status, err)
	}

	return nil
}
