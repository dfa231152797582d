package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/fluxorio/datacore/pkg/core"
)

func intPtr(v int) *int { return &v }

func TestMarshal_WireShape(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want map[string]any
	}{
		{
			name: "start-polling interval in millis",
			msg:  StartPolling{RequestID: "r1", Interval: 5 * time.Second},
			want: map[string]any{"type": "start-polling", "requestId": "r1", "interval": float64(5000)},
		},
		{
			name: "invalidate-cache response",
			msg:  DataResponse{RequestID: "r2", Status: StatusCacheInvalidated},
			want: map[string]any{"type": "data-response", "requestId": "r2", "status": "Cache invalidated"},
		},
		{
			name: "unsolicited new data",
			msg:  NewDataAvailable{Count: 2, Timestamp: time.UnixMilli(1700000000000)},
			want: map[string]any{"type": "new-data-available", "count": float64(2), "timestamp": float64(1700000000000)},
		},
		{
			name: "shutdown has no payload",
			msg:  Shutdown{},
			want: map[string]any{"type": "shutdown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("invalid JSON %s: %v", data, err)
			}
			if len(got) != len(tt.want) {
				t.Errorf("Marshal() = %s, want keys %v", data, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("field %q = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestUnmarshal_DataRequest(t *testing.T) {
	line := `{"type":"data-request","requestId":"abc","options":{"searchValue":"폰","filter":["price",">",500000],"sort":[{"selector":"price","desc":true}],"skip":0,"take":10}}`

	msg, err := Unmarshal([]byte(line))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	req, ok := msg.(DataRequest)
	if !ok {
		t.Fatalf("Unmarshal() = %T, want DataRequest", msg)
	}
	if req.RequestID != "abc" || req.Options.SearchValue != "폰" {
		t.Errorf("DataRequest = %+v", req)
	}
	if !req.Options.HasFilter() {
		t.Error("HasFilter() = false, want true")
	}
	if req.Options.Skip == nil || *req.Options.Skip != 0 || req.Options.Take == nil || *req.Options.Take != 10 {
		t.Errorf("skip/take = %v/%v, want 0/10", req.Options.Skip, req.Options.Take)
	}
	if len(req.Options.Sort) != 1 || !req.Options.Sort[0].Desc {
		t.Errorf("Sort = %+v", req.Options.Sort)
	}
}

func TestOptions_HasFilter(t *testing.T) {
	if (Options{}).HasFilter() {
		t.Error("empty options should have no filter")
	}
	if (Options{Filter: json.RawMessage("null")}).HasFilter() {
		t.Error("null filter should count as no filter")
	}
}

func TestUnmarshal_UnknownKind(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"connection-status"}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Unmarshal() error = %v, want ErrUnknownKind", err)
	}
}

func TestEncoderDecoder_Stream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	sent := []Message{
		DataRequest{RequestID: "1", Options: Options{Take: intPtr(5)}},
		HealthCheck{RequestID: "2"},
		PollingStatus{Status: StatusStarted, Interval: 2 * time.Second},
		PollingError{Error: "Critical error: boom"},
	}
	for _, m := range sent {
		if err := enc.Encode(m); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}
	if n := strings.Count(buf.String(), "\n"); n != len(sent) {
		t.Fatalf("encoded %d lines, want %d", n, len(sent))
	}

	// blank and malformed lines between frames
	stream := strings.Replace(buf.String(), "\n", "\n\n", 1) + "not json\n"
	dec := NewDecoder(strings.NewReader(stream))

	var decoded []Message
	for i, want := range sent {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode() #%d error = %v", i, err)
		}
		if got.Kind() != want.Kind() || got.Correlation() != want.Correlation() {
			t.Errorf("Decode() #%d = %+v, want %+v", i, got, want)
		}
		decoded = append(decoded, got)
	}
	if ps, ok := mustKind[PollingStatus](t, decoded[2]); ok && ps.Interval != 2*time.Second {
		t.Errorf("interval = %v", ps.Interval)
	}
	if _, err := dec.Decode(); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("Decode() of malformed line error = %v, want decode error", err)
	}
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() at end error = %v, want io.EOF", err)
	}
}

func mustKind[T Message](t *testing.T, msg Message) (T, bool) {
	t.Helper()
	v, ok := msg.(T)
	if !ok {
		t.Errorf("message %T has unexpected type", msg)
	}
	return v, ok
}

func TestWithRequestID(t *testing.T) {
	msg := WithRequestID(InvalidateCache{}, "xyz")
	if msg.Correlation() != "xyz" {
		t.Errorf("Correlation() = %q, want xyz", msg.Correlation())
	}
	if WithRequestID(Shutdown{}, "xyz").Correlation() != "" {
		t.Error("Shutdown should not carry a request id")
	}
}

func TestErrorResponse_RoundTrip(t *testing.T) {
	resp := ErrorResponse("r9", core.Wrap(core.ErrQueryFailure, errors.New("no such column: nope")))
	data, err := Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}

	got := ResponseError(msg)
	if !errors.Is(got, core.ErrQueryFailure) {
		t.Errorf("ResponseError() = %v, want QUERY_FAILURE", got)
	}
	if ResponseError(DataResponse{RequestID: "ok", Status: StatusCacheInvalidated}) != nil {
		t.Error("ResponseError() should be nil for a status response")
	}
}
