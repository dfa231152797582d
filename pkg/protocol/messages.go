// Package protocol defines the closed set of messages exchanged between the
// host and the worker process, and their newline-delimited JSON encoding.
package protocol

import (
	"encoding/json"
	"time"
)

// Kind is the wire tag of a message
type Kind string

// Host to worker
const (
	KindDataRequest        Kind = "data-request"
	KindStartPolling       Kind = "start-polling"
	KindStopPolling        Kind = "stop-polling"
	KindSetPollingInterval Kind = "set-polling-interval"
	KindHealthCheck        Kind = "health-check"
	KindInvalidateCache    Kind = "invalidate-cache"
	KindShutdown           Kind = "shutdown"
)

// Worker to host
const (
	KindDataResponse        Kind = "data-response"
	KindPollingStatus       Kind = "polling-status"
	KindHealthCheckResponse Kind = "health-check-response"
	KindNewDataAvailable    Kind = "new-data-available"
	KindPollingError        Kind = "polling-error"
)

// Polling status values
const (
	StatusInitialized = "initialized"
	StatusStarted     = "started"
	StatusStopped     = "stopped"

	StatusCacheInvalidated = "Cache invalidated"
)

// Data request types carried in Options.Type
const (
	RequestQuery             = "query"
	RequestCheckNewData      = "check-new-data"
	RequestMarkDataDelivered = "mark-data-delivered"
)

// Message is implemented by every variant below and by nothing else.
type Message interface {
	Kind() Kind
	// Correlation returns the request id, or "" for unsolicited messages.
	Correlation() string
	sealed()
}

// Options are the parameters of a data request
type Options struct {
	Type        string          `json:"type,omitempty"`
	SearchValue string          `json:"searchValue,omitempty"`
	Filter      json.RawMessage `json:"filter,omitempty"`
	Sort        []SortSpec      `json:"sort,omitempty"`
	Skip        *int            `json:"skip,omitempty"`
	Take        *int            `json:"take,omitempty"`
}

// SortSpec orders results by one column
type SortSpec struct {
	Selector string `json:"selector"`
	Desc     bool   `json:"desc"`
}

// HasFilter reports whether a filter expression was supplied
func (o Options) HasFilter() bool {
	return len(o.Filter) > 0 && string(o.Filter) != "null"
}

type DataRequest struct {
	RequestID string
	Options   Options
}

type StartPolling struct {
	RequestID string
	// Interval of zero keeps the current interval
	Interval time.Duration
}

type StopPolling struct {
	RequestID string
}

type SetPollingInterval struct {
	RequestID string
	Interval  time.Duration
}

type HealthCheck struct {
	RequestID string
}

type InvalidateCache struct {
	RequestID string
}

type Shutdown struct{}

// DataResponse answers DataRequest and InvalidateCache.
// Exactly one of Data, Status or Error is set.
type DataResponse struct {
	RequestID string
	Data      json.RawMessage
	Status    string
	Error     string
	ErrorCode string
}

type PollingStatus struct {
	RequestID string
	Status    string
	Interval  time.Duration
}

type HealthCheckResponse struct {
	RequestID string
	Timestamp time.Time
}

type NewDataAvailable struct {
	Count     int
	Timestamp time.Time
}

type PollingError struct {
	Error string
}

func (DataRequest) Kind() Kind         { return KindDataRequest }
func (StartPolling) Kind() Kind        { return KindStartPolling }
func (StopPolling) Kind() Kind         { return KindStopPolling }
func (SetPollingInterval) Kind() Kind  { return KindSetPollingInterval }
func (HealthCheck) Kind() Kind         { return KindHealthCheck }
func (InvalidateCache) Kind() Kind     { return KindInvalidateCache }
func (Shutdown) Kind() Kind            { return KindShutdown }
func (DataResponse) Kind() Kind        { return KindDataResponse }
func (PollingStatus) Kind() Kind       { return KindPollingStatus }
func (HealthCheckResponse) Kind() Kind { return KindHealthCheckResponse }
func (NewDataAvailable) Kind() Kind    { return KindNewDataAvailable }
func (PollingError) Kind() Kind        { return KindPollingError }

func (m DataRequest) Correlation() string         { return m.RequestID }
func (m StartPolling) Correlation() string        { return m.RequestID }
func (m StopPolling) Correlation() string         { return m.RequestID }
func (m SetPollingInterval) Correlation() string  { return m.RequestID }
func (m HealthCheck) Correlation() string         { return m.RequestID }
func (m InvalidateCache) Correlation() string     { return m.RequestID }
func (Shutdown) Correlation() string              { return "" }
func (m DataResponse) Correlation() string        { return m.RequestID }
func (m PollingStatus) Correlation() string       { return m.RequestID }
func (m HealthCheckResponse) Correlation() string { return m.RequestID }
func (NewDataAvailable) Correlation() string      { return "" }
func (PollingError) Correlation() string          { return "" }

func (DataRequest) sealed()         {}
func (StartPolling) sealed()        {}
func (StopPolling) sealed()         {}
func (SetPollingInterval) sealed()  {}
func (HealthCheck) sealed()         {}
func (InvalidateCache) sealed()     {}
func (Shutdown) sealed()            {}
func (DataResponse) sealed()        {}
func (PollingStatus) sealed()       {}
func (HealthCheckResponse) sealed() {}
func (NewDataAvailable) sealed()    {}
func (PollingError) sealed()        {}

// WithRequestID returns a copy of a host request carrying id.
// Messages without a correlation slot are returned unchanged.
func WithRequestID(msg Message, id string) Message {
	switch m := msg.(type) {
	case DataRequest:
		m.RequestID = id
		return m
	case StartPolling:
		m.RequestID = id
		return m
	case StopPolling:
		m.RequestID = id
		return m
	case SetPollingInterval:
		m.RequestID = id
		return m
	case HealthCheck:
		m.RequestID = id
		return m
	case InvalidateCache:
		m.RequestID = id
		return m
	default:
		return msg
	}
}
