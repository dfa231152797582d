package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxorio/datacore/pkg/protocol"
)

func unexpected(want protocol.Kind, got protocol.Message) error {
	return fmt.Errorf("supervisor: expected %s reply, got %s", want, got.Kind())
}

// Data submits a data request and returns the encoded result
func (s *Supervisor) Data(ctx context.Context, opts protocol.Options) (json.RawMessage, error) {
	resp, err := s.Submit(ctx, protocol.DataRequest{Options: opts})
	if err != nil {
		return nil, err
	}
	dr, ok := resp.(protocol.DataResponse)
	if !ok {
		return nil, unexpected(protocol.KindDataResponse, resp)
	}
	return dr.Data, nil
}

// Query runs a product query
func (s *Supervisor) Query(ctx context.Context, opts protocol.Options) (json.RawMessage, error) {
	opts.Type = protocol.RequestQuery
	return s.Data(ctx, opts)
}

// CheckNewData asks whether data arrived since the last delivery
func (s *Supervisor) CheckNewData(ctx context.Context) (json.RawMessage, error) {
	return s.Data(ctx, protocol.Options{Type: protocol.RequestCheckNewData})
}

// MarkDelivered moves the delivery watermark
func (s *Supervisor) MarkDelivered(ctx context.Context) error {
	_, err := s.Data(ctx, protocol.Options{Type: protocol.RequestMarkDataDelivered})
	return err
}

func (s *Supervisor) pollingControl(ctx context.Context, msg protocol.Message) (protocol.PollingStatus, error) {
	resp, err := s.Submit(ctx, msg)
	if err != nil {
		return protocol.PollingStatus{}, err
	}
	st, ok := resp.(protocol.PollingStatus)
	if !ok {
		return protocol.PollingStatus{}, unexpected(protocol.KindPollingStatus, resp)
	}
	return st, nil
}

// StartPolling starts the worker's poller. A zero interval keeps the current one.
func (s *Supervisor) StartPolling(ctx context.Context, interval time.Duration) (protocol.PollingStatus, error) {
	return s.pollingControl(ctx, protocol.StartPolling{Interval: interval})
}

// StopPolling stops the worker's poller
func (s *Supervisor) StopPolling(ctx context.Context) (protocol.PollingStatus, error) {
	return s.pollingControl(ctx, protocol.StopPolling{})
}

// SetPollingInterval changes the polling period
func (s *Supervisor) SetPollingInterval(ctx context.Context, interval time.Duration) (protocol.PollingStatus, error) {
	return s.pollingControl(ctx, protocol.SetPollingInterval{Interval: interval})
}

// InvalidateCache clears the worker's result cache
func (s *Supervisor) InvalidateCache(ctx context.Context) (string, error) {
	resp, err := s.Submit(ctx, protocol.InvalidateCache{})
	if err != nil {
		return "", err
	}
	dr, ok := resp.(protocol.DataResponse)
	if !ok {
		return "", unexpected(protocol.KindDataResponse, resp)
	}
	return dr.Status, nil
}

// Ping sends a health check and returns the worker's timestamp
func (s *Supervisor) Ping(ctx context.Context) (time.Time, error) {
	resp, err := s.Submit(ctx, protocol.HealthCheck{})
	if err != nil {
		return time.Time{}, err
	}
	hc, ok := resp.(protocol.HealthCheckResponse)
	if !ok {
		return time.Time{}, unexpected(protocol.KindHealthCheckResponse, resp)
	}
	return hc.Timestamp, nil
}
