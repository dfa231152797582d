package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxFrameSize bounds a single encoded frame
const MaxFrameSize = 16 << 20

// ErrUnknownKind is returned by Unmarshal for a type tag outside the closed set
var ErrUnknownKind = errors.New("protocol: unknown message kind")

// frame is the flat wire shape shared by every message.
// Intervals are milliseconds and timestamps are unix milliseconds.
type frame struct {
	Type      Kind            `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Options   *Options        `json:"options,omitempty"`
	Interval  int64           `json:"interval,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Count     int             `json:"count,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

func millis(d time.Duration) int64 { return d.Milliseconds() }

func fromMillis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Marshal encodes msg as a single JSON object (no trailing newline)
func Marshal(msg Message) ([]byte, error) {
	f := frame{Type: msg.Kind(), RequestID: msg.Correlation()}
	switch m := msg.(type) {
	case DataRequest:
		opts := m.Options
		f.Options = &opts
	case StartPolling:
		f.Interval = millis(m.Interval)
	case StopPolling, HealthCheck, InvalidateCache, Shutdown:
	case SetPollingInterval:
		f.Interval = millis(m.Interval)
	case DataResponse:
		f.Data = m.Data
		f.Status = m.Status
		f.Error = m.Error
		f.ErrorCode = m.ErrorCode
	case PollingStatus:
		f.Status = m.Status
		f.Interval = millis(m.Interval)
	case HealthCheckResponse:
		f.Timestamp = unixMillis(m.Timestamp)
	case NewDataAvailable:
		f.Count = m.Count
		f.Timestamp = unixMillis(m.Timestamp)
	case PollingError:
		f.Error = m.Error
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}
	return json.Marshal(f)
}

// Unmarshal decodes a single JSON object into its message variant
func Unmarshal(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	switch f.Type {
	case KindDataRequest:
		var opts Options
		if f.Options != nil {
			opts = *f.Options
		}
		return DataRequest{RequestID: f.RequestID, Options: opts}, nil
	case KindStartPolling:
		return StartPolling{RequestID: f.RequestID, Interval: fromMillis(f.Interval)}, nil
	case KindStopPolling:
		return StopPolling{RequestID: f.RequestID}, nil
	case KindSetPollingInterval:
		return SetPollingInterval{RequestID: f.RequestID, Interval: fromMillis(f.Interval)}, nil
	case KindHealthCheck:
		return HealthCheck{RequestID: f.RequestID}, nil
	case KindInvalidateCache:
		return InvalidateCache{RequestID: f.RequestID}, nil
	case KindShutdown:
		return Shutdown{}, nil
	case KindDataResponse:
		return DataResponse{
			RequestID: f.RequestID,
			Data:      f.Data,
			Status:    f.Status,
			Error:     f.Error,
			ErrorCode: f.ErrorCode,
		}, nil
	case KindPollingStatus:
		return PollingStatus{RequestID: f.RequestID, Status: f.Status, Interval: fromMillis(f.Interval)}, nil
	case KindHealthCheckResponse:
		return HealthCheckResponse{RequestID: f.RequestID, Timestamp: fromUnixMillis(f.Timestamp)}, nil
	case KindNewDataAvailable:
		return NewDataAvailable{Count: f.Count, Timestamp: fromUnixMillis(f.Timestamp)}, nil
	case KindPollingError:
		return PollingError{Error: f.Error}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Type)
	}
}

// Encoder writes one frame per line. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes msg followed by a newline
func (e *Encoder) Encode(msg Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(data)
	return err
}

// Decoder reads one frame per line
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &Decoder{scanner: s}
}

// Decode returns the next message, io.EOF at end of stream, or a decode
// error for a malformed line. A malformed line does not poison the stream.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return Unmarshal(line)
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// IsMalformed reports whether err came from a single bad line (unknown kind
// or invalid JSON). The stream remains readable after such an error.
func IsMalformed(err error) bool {
	var se *json.SyntaxError
	var te *json.UnmarshalTypeError
	return errors.Is(err, ErrUnknownKind) || errors.As(err, &se) || errors.As(err, &te)
}
