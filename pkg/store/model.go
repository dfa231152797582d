package store

import "github.com/fluxorio/datacore/pkg/filter"

// Product is a row of the products table
type Product struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Category    string  `json:"category"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// Row returns the product as a column map, as seen by filter.Eval
func (p Product) Row() map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"price":       p.Price,
		"category":    p.Category,
		"created_at":  p.CreatedAt,
		"updated_at":  p.UpdatedAt,
	}
}

// Measurement is a row of the realtime_data table
type Measurement struct {
	ID        int64   `json:"id"`
	Source    string  `json:"source"`
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
	Processed bool    `json:"processed"`
}

// Record types produced by external sources
const (
	RecordProduct     = "product"
	RecordMeasurement = "measurement"
)

// Record is one item fetched from an external source
type Record struct {
	Type        string  `json:"type"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price,omitempty"`
	Category    string  `json:"category,omitempty"`
	Source      string  `json:"source,omitempty"`
	Value       float64 `json:"value,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

// Valid reports whether the record carries every field its type requires
func (r Record) Valid() bool {
	switch r.Type {
	case RecordProduct:
		return r.Name != "" && r.Description != "" && r.Price != 0 && r.Category != ""
	case RecordMeasurement:
		return r.Source != "" && r.Value != 0
	}
	return false
}

// ProductFields is the allow-list of product columns usable in filters and sorts
var ProductFields = filter.Fields{
	"id":          filter.Number,
	"name":        filter.Text,
	"description": filter.Text,
	"price":       filter.Number,
	"category":    filter.Text,
	"created_at":  filter.Text,
	"updated_at":  filter.Text,
}

// SearchFields are matched by free-text search
var SearchFields = []string{"name", "description"}

// SampleProducts are inserted into an empty products table
var SampleProducts = []Product{
	{Name: "노트북", Description: "고성능 비즈니스 노트북", Price: 1200000, Category: "전자제품"},
	{Name: "스마트폰", Description: "최신형 스마트폰", Price: 900000, Category: "전자제품"},
	{Name: "무선 이어폰", Description: "노이즈 캔슬링 기능", Price: 250000, Category: "액세서리"},
	{Name: "스마트워치", Description: "건강 모니터링 기능", Price: 350000, Category: "웨어러블"},
	{Name: "태블릿", Description: "10인치 디스플레이", Price: 700000, Category: "전자제품"},
}
