package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/store"
)

// NATSConfig configures a NATS subscriber source
type NATSConfig struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222"
	URL string
	// Subject carries one record object or an array of records per message
	Subject string
	// Queue, when set, joins a queue group so several workers share the feed
	Queue string
	// Name is an optional NATS connection name
	Name string
	// Buffer bounds the records held between fetches; overflow is dropped
	Buffer int
}

// NATS buffers records published on a subject until the next Fetch
type NATS struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	logger  core.Logger

	mu      sync.Mutex
	pending []store.Record
	limit   int

	received atomic.Int64
	dropped  atomic.Int64
}

// NewNATS connects and subscribes
func NewNATS(cfg NATSConfig, logger core.Logger) (*NATS, error) {
	if cfg.Subject == "" {
		return nil, &core.Error{Code: core.CodeInvalidConfig, Message: "source: nats subject cannot be empty"}
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("nats source disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("nats source reconnected to %s", nc.ConnectedUrl())
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("source: nats connect: %w", err)
	}

	s := &NATS{
		nc:      nc,
		subject: cfg.Subject,
		logger:  logger,
		limit:   cfg.Buffer,
	}
	if cfg.Queue != "" {
		s.sub, err = nc.QueueSubscribe(cfg.Subject, cfg.Queue, s.onMsg)
	} else {
		s.sub, err = nc.Subscribe(cfg.Subject, s.onMsg)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("source: nats subscribe %s: %w", cfg.Subject, err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("source: nats flush: %w", err)
	}
	return s, nil
}

// DecodeRecords parses a message body holding one record or an array of records
func DecodeRecords(data []byte) ([]store.Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var records []store.Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, err
		}
		return records, nil
	}
	var r store.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return []store.Record{r}, nil
}

func (s *NATS) onMsg(msg *nats.Msg) {
	records, err := DecodeRecords(msg.Data)
	if err != nil {
		s.logger.Warnf("nats source: undecodable message on %s: %v", msg.Subject, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if len(s.pending) >= s.limit {
			s.dropped.Add(1)
			continue
		}
		s.pending = append(s.pending, r)
		s.received.Add(1)
	}
}

// Fetch drains the buffer without blocking
func (s *NATS) Fetch(ctx context.Context) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.nc.IsConnected() && len(s.peek()) == 0 {
		return nil, fmt.Errorf("source: nats %s: %w", s.subject, nats.ErrConnectionClosed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *NATS) peek() []store.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Received returns the number of records buffered so far
func (s *NATS) Received() int64 { return s.received.Load() }

// Dropped returns the number of records lost to a full buffer
func (s *NATS) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes and closes the connection
func (s *NATS) Close() error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.nc.Close()
	return nil
}

// Publish sends records on subject as a JSON array
func Publish(nc *nats.Conn, subject string, records []store.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return nc.Publish(subject, data)
}
