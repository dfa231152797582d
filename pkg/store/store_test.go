package store

import (
	"context"
	"errors"
	"testing"

	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.NewPool(db.DefaultPoolConfig(":memory:", db.DriverSQLite))
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	s := New(pool, core.NewDiscardLogger())
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

func TestSeedIfEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.SeedIfEmpty(ctx)
	if err != nil || n != 5 {
		t.Fatalf("SeedIfEmpty() = %d, %v, want 5, nil", n, err)
	}
	n, err = s.SeedIfEmpty(ctx)
	if err != nil || n != 0 {
		t.Errorf("second SeedIfEmpty() = %d, %v, want 0, nil", n, err)
	}

	products, err := s.SelectProducts(ctx, "", nil, "id ASC", nil)
	if err != nil {
		t.Fatalf("SelectProducts() error = %v", err)
	}
	if len(products) != 5 {
		t.Fatalf("len(products) = %d, want 5", len(products))
	}
	if products[0].Name != "노트북" || products[0].Price != 1200000 {
		t.Errorf("first product = %+v", products[0])
	}
	if products[0].CreatedAt == "" {
		t.Error("created_at default not applied")
	}
}

func TestSelectProducts_WhereAndPage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.SeedIfEmpty(ctx); err != nil {
		t.Fatal(err)
	}

	count, err := s.CountProducts(ctx, "category = ?", []any{"전자제품"})
	if err != nil || count != 3 {
		t.Fatalf("CountProducts() = %d, %v, want 3", count, err)
	}

	page, err := s.SelectProducts(ctx, "category = ?", []any{"전자제품"}, "price DESC", &Page{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("SelectProducts() error = %v", err)
	}
	if len(page) != 2 || page[0].Name != "스마트폰" || page[1].Name != "태블릿" {
		t.Errorf("page = %+v, want 스마트폰, 태블릿", page)
	}
}

func TestSaveBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saved, err := s.SaveBatch(ctx, []Record{
		{Type: RecordProduct, Name: "새 제품", Description: "설명", Price: 10.5, Category: "가전"},
		{Type: RecordMeasurement, Source: "sensor-1", Value: 42.1, Timestamp: "2024-01-01T00:00:00Z"},
		{Type: RecordProduct, Name: "설명 없음"},
		{Type: "unknown"},
	})
	if err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}
	if saved != 2 {
		t.Errorf("SaveBatch() saved = %d, want 2 (malformed records skipped)", saved)
	}

	n, _ := s.CountProducts(ctx, "", nil)
	if n != 1 {
		t.Errorf("products = %d, want 1", n)
	}
	ms, err := s.Measurements(ctx, 10)
	if err != nil {
		t.Fatalf("Measurements() error = %v", err)
	}
	if len(ms) != 1 || ms[0].Source != "sensor-1" || ms[0].Processed {
		t.Errorf("Measurements() = %+v", ms)
	}
}

func TestSaveBatch_RollsBackWholeBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.pool.Exec(ctx, `CREATE TRIGGER reject_boom BEFORE INSERT ON products
		WHEN NEW.name = 'boom' BEGIN SELECT RAISE(ABORT, 'boom rejected'); END`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	_, err = s.SaveBatch(ctx, []Record{
		{Type: RecordMeasurement, Source: "sensor-2", Value: 1.5},
		{Type: RecordProduct, Name: "ok", Description: "d", Price: 1, Category: "c"},
		{Type: RecordProduct, Name: "boom", Description: "d", Price: 1, Category: "c"},
	})
	if !errors.Is(err, core.ErrTransaction) {
		t.Fatalf("SaveBatch() error = %v, want ErrTransaction", err)
	}

	n, _ := s.CountProducts(ctx, "", nil)
	ms, _ := s.Measurements(ctx, 10)
	if n != 0 || len(ms) != 0 {
		t.Errorf("after rollback products=%d measurements=%d, want 0 and 0", n, len(ms))
	}
}

func TestRecordValid(t *testing.T) {
	tests := []struct {
		r    Record
		want bool
	}{
		{Record{Type: RecordProduct, Name: "n", Description: "d", Price: 1, Category: "c"}, true},
		{Record{Type: RecordProduct, Name: "n", Description: "d", Category: "c"}, false},
		{Record{Type: RecordMeasurement, Source: "s", Value: 2}, true},
		{Record{Type: RecordMeasurement, Source: "s"}, false},
		{Record{Type: "other", Name: "n"}, false},
	}
	for _, tt := range tests {
		if got := tt.r.Valid(); got != tt.want {
			t.Errorf("Valid(%+v) = %v, want %v", tt.r, got, tt.want)
		}
	}
}
