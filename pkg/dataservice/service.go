// Package dataservice answers data requests against the store, owns the
// result cache and tracks the new-data watermark.
package dataservice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxorio/datacore/pkg/cache"
	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/core/failfast"
	"github.com/fluxorio/datacore/pkg/filter"
	"github.com/fluxorio/datacore/pkg/observability/otel"
	"github.com/fluxorio/datacore/pkg/protocol"
	"github.com/fluxorio/datacore/pkg/store"
)

// DefaultTake is the page size used when skip is given without take
const DefaultTake = 20

// Result is the answer to a query request
type Result struct {
	Data       []store.Product `json:"data"`
	TotalCount int             `json:"totalCount"`
	SearchTerm string          `json:"searchTerm"`
}

// Collection describes the most recent non-empty ingestion
type Collection struct {
	Count     int
	Timestamp time.Time
}

// NewDataStatus is the answer to a check-new-data request
type NewDataStatus struct {
	HasNewData     bool
	LastCheck      time.Time
	LastCollection *Collection
}

// Delivered is the answer to a mark-data-delivered request
type Delivered struct {
	Success bool `json:"success"`
}

// Config configures a Service
type Config struct {
	Store *store.Store
	// Cache holds query results; nil creates one with default ttl and sweep
	Cache  *cache.Cache[Result]
	Logger core.Logger
	// StrictFilters turns malformed filters and unknown sort columns into
	// query failures instead of ignoring them
	StrictFilters bool
	DefaultTake   int
	Now           func() time.Time
}

// Service implements query, check-new-data, mark-data-delivered and
// invalidate-cache. It is safe for concurrent use, although the worker
// calls it from a single goroutine.
type Service struct {
	store    *store.Store
	cache    *cache.Cache[Result]
	logger   core.Logger
	strict   bool
	take     int
	now      func() time.Time
	compiler filter.Compiler

	mu             sync.Mutex
	lastCollection *Collection
	lastDelivered  time.Time
}

// New creates a Service
func New(cfg Config) *Service {
	failfast.NotNil(cfg.Store, "store")
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New[Result](cache.Config{Now: cfg.Now})
	}
	if cfg.DefaultTake <= 0 {
		cfg.DefaultTake = DefaultTake
	}
	return &Service{
		store:  cfg.Store,
		cache:  cfg.Cache,
		logger: cfg.Logger,
		strict: cfg.StrictFilters,
		take:   cfg.DefaultTake,
		now:    cfg.Now,
		compiler: filter.Compiler{
			Like:   cfg.Store.Dialect().CaseInsensitiveLike,
			Fields: store.ProductFields,
		},
	}
}

// Cache returns the result cache
func (s *Service) Cache() *cache.Cache[Result] {
	return s.cache
}

// Handle dispatches a data request on opts.Type. The returned value is one of
// Result, NewDataStatus or Delivered.
func (s *Service) Handle(ctx context.Context, opts protocol.Options) (any, error) {
	switch opts.Type {
	case protocol.RequestCheckNewData:
		return s.CheckNewData(), nil
	case protocol.RequestMarkDataDelivered:
		s.MarkDelivered()
		return Delivered{Success: true}, nil
	case "", protocol.RequestQuery:
		return s.Query(ctx, opts)
	default:
		return nil, core.Wrap(core.ErrQueryFailure, fmt.Errorf("unknown request type %q", opts.Type))
	}
}

// signature is the cache key of a query. Paged separates a full listing
// from any page of it; within a page, absent values take their defaults so
// that {"skip":0} and {"take":20} share an entry.
type signature struct {
	Type   string              `json:"type"`
	Search *string             `json:"search"`
	Filter json.RawMessage     `json:"filter"`
	Sort   []protocol.SortSpec `json:"sort"`
	Paged  bool                `json:"paged"`
	Skip   int                 `json:"skip"`
	Take   int                 `json:"take"`
}

func (s *Service) signature(opts protocol.Options) (string, error) {
	sig := signature{Type: protocol.RequestQuery}
	if opts.Type != "" {
		sig.Type = opts.Type
	}
	if opts.SearchValue != "" {
		sig.Search = &opts.SearchValue
	}
	if opts.HasFilter() {
		// kept raw; cache.Signature canonicalizes it without touching numbers
		sig.Filter = opts.Filter
	}
	if len(opts.Sort) > 0 {
		sig.Sort = opts.Sort
	}
	if page := s.page(opts); page != nil {
		sig.Paged = true
		sig.Skip = page.Offset
		sig.Take = page.Limit
	}
	return cache.Signature(sig)
}

// page returns the requested window, or nil for every matching row.
// A zero or absent take falls back to the default page size.
func (s *Service) page(opts protocol.Options) *store.Page {
	if opts.Skip == nil && opts.Take == nil {
		return nil
	}
	page := &store.Page{Limit: s.take}
	if opts.Skip != nil {
		page.Offset = *opts.Skip
	}
	if opts.Take != nil && *opts.Take != 0 {
		page.Limit = *opts.Take
	}
	return page
}

// Query returns the products matching opts and the total match count.
// Results are cached by signature; failures are never cached.
func (s *Service) Query(ctx context.Context, opts protocol.Options) (result Result, err error) {
	ctx, span := otel.StartSpan(ctx, "dataservice.query",
		attribute.String("query.search", opts.SearchValue),
		attribute.Bool("query.filtered", opts.HasFilter()),
	)
	defer func() { otel.EndSpan(span, err) }()

	key, sigErr := s.signature(opts)
	if sigErr == nil {
		if cached, ok := s.cache.Lookup(key); ok {
			s.logger.Debug("Return data from cache")
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return cached, nil
		}
	} else {
		// an undecodable filter still queries; it just cannot be cached
		s.logger.Warnf("cache key: %v", sigErr)
	}

	where, params, err := s.where(opts)
	if err != nil {
		return Result{}, err
	}
	orderBy, err := s.orderBy(opts.Sort)
	if err != nil {
		return Result{}, err
	}

	total, err := s.store.CountProducts(ctx, where, params)
	if err != nil {
		return Result{}, core.Wrap(core.ErrQueryFailure, err)
	}

	rows, err := s.store.SelectProducts(ctx, where, params, orderBy, s.page(opts))
	if err != nil {
		return Result{}, core.Wrap(core.ErrQueryFailure, err)
	}

	result = Result{Data: rows, TotalCount: total, SearchTerm: opts.SearchValue}
	if sigErr == nil {
		s.cache.Store(key, result)
	}
	span.SetAttributes(attribute.Int("query.rows", len(rows)), attribute.Int("query.total", total))
	return result, nil
}

// where builds the conjunction of the search and filter predicates
func (s *Service) where(opts protocol.Options) (string, []any, error) {
	var (
		parts  []string
		params []any
	)

	if opts.SearchValue != "" {
		pattern := "%" + filter.EscapeLike(opts.SearchValue) + "%"
		terms := make([]string, 0, len(store.SearchFields))
		for _, field := range store.SearchFields {
			terms = append(terms, s.compiler.PatternSQL(field))
			params = append(params, pattern)
		}
		parts = append(parts, "("+strings.Join(terms, " OR ")+")")
	}

	if opts.HasFilter() {
		pred, err := s.filter(opts)
		if err != nil {
			return "", nil, err
		}
		if !pred.Empty() {
			parts = append(parts, "("+pred.SQL+")")
			params = append(params, pred.Params...)
		}
	}

	return strings.Join(parts, " AND "), params, nil
}

func (s *Service) filter(opts protocol.Options) (filter.Predicate, error) {
	node, err := filter.Decode(opts.Filter, store.ProductFields)
	if err != nil {
		if s.strict {
			return filter.Predicate{}, core.Wrap(core.ErrQueryFailure, err)
		}
		s.logger.Warnf("ignoring filter: %v", err)
		return filter.Predicate{}, nil
	}
	pred := s.compiler.Compile(node)
	if pred.Empty() && s.strict {
		return filter.Predicate{}, core.Wrap(core.ErrQueryFailure, fmt.Errorf("filter %s does not compile", node))
	}
	return pred, nil
}

// orderBy validates sort selectors against the product columns
func (s *Service) orderBy(specs []protocol.SortSpec) (string, error) {
	terms := make([]string, 0, len(specs))
	for _, spec := range specs {
		if !store.ProductFields.Has(spec.Selector) {
			if s.strict {
				return "", core.Wrap(core.ErrQueryFailure, fmt.Errorf("unknown sort column %q", spec.Selector))
			}
			s.logger.Warnf("ignoring sort on unknown column %q", spec.Selector)
			continue
		}
		dir := "ASC"
		if spec.Desc {
			dir = "DESC"
		}
		terms = append(terms, spec.Selector+" "+dir)
	}
	if len(terms) == 0 {
		return "id ASC", nil
	}
	return strings.Join(terms, ", "), nil
}

// CheckNewData reports whether a collection happened after the last delivery
func (s *Service) CheckNewData() NewDataStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := NewDataStatus{LastCheck: s.now()}
	if s.lastCollection != nil {
		c := *s.lastCollection
		status.LastCollection = &c
		status.HasNewData = s.lastDelivered.IsZero() || c.Timestamp.After(s.lastDelivered)
	}
	return status
}

// MarkDelivered moves the delivery watermark to now
func (s *Service) MarkDelivered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDelivered = s.now()
}

// RecordCollected remembers a non-empty ingestion
func (s *Service) RecordCollected(count int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCollection = &Collection{Count: count, Timestamp: at}
}

// LastCollection returns the most recent ingestion, or nil
func (s *Service) LastCollection() *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCollection == nil {
		return nil
	}
	c := *s.lastCollection
	return &c
}

// InvalidateCache drops every cached result and returns how many were dropped
func (s *Service) InvalidateCache() int {
	n := s.cache.InvalidateAll()
	s.logger.Infof("Invalidate cache (%d entries)", n)
	return n
}

// Ingest persists records in one transaction. A non-empty batch updates the
// last-collected marker and invalidates the cache. It returns the number of
// records saved.
func (s *Service) Ingest(ctx context.Context, records []store.Record) (saved int, err error) {
	ctx, span := otel.StartSpan(ctx, "dataservice.ingest", attribute.Int("ingest.records", len(records)))
	defer func() { otel.EndSpan(span, err) }()

	saved, err = s.store.SaveBatch(ctx, records)
	if err != nil {
		return 0, err
	}
	if saved == 0 {
		return 0, nil
	}
	s.RecordCollected(saved, s.now())
	s.InvalidateCache()
	return saved, nil
}
