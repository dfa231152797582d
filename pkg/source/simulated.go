package source

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/fluxorio/datacore/pkg/store"
)

// DefaultEmptyRatio is the share of fetches that return nothing
const DefaultEmptyRatio = 0.8

var (
	simulatedCategories = []string{"전자제품", "가전", "웨어러블", "액세서리"}
	simulatedSensors    = []string{"sensor-1", "sensor-2", "sensor-3"}
)

// SimulatedConfig configures a Simulated source
type SimulatedConfig struct {
	// EmptyRatio in [0,1] is the probability that a fetch returns no records
	EmptyRatio float64
	// Seed for the generator; zero seeds from the clock
	Seed int64
	Now  func() time.Time
}

// Simulated generates between one and three random records on a share of
// fetches, half products and half measurements.
type Simulated struct {
	mu         sync.Mutex
	rnd        *rand.Rand
	emptyRatio float64
	now        func() time.Time
}

// NewSimulated creates a simulated source
func NewSimulated(cfg SimulatedConfig) (*Simulated, error) {
	if cfg.EmptyRatio < 0 || cfg.EmptyRatio > 1 {
		return nil, fmt.Errorf("source: empty ratio %v out of range [0,1]", cfg.EmptyRatio)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = cfg.Now().UnixNano()
	}
	return &Simulated{
		rnd:        rand.New(rand.NewSource(seed)),
		emptyRatio: cfg.EmptyRatio,
		now:        cfg.Now,
	}, nil
}

// Fetch returns a random batch
func (s *Simulated) Fetch(ctx context.Context) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rnd.Float64() < s.emptyRatio {
		return nil, nil
	}

	now := s.now()
	ts := now.UTC().Format(time.RFC3339Nano)
	count := s.rnd.Intn(3) + 1
	records := make([]store.Record, 0, count)
	for i := 0; i < count; i++ {
		if s.rnd.Float64() < 0.5 {
			records = append(records, store.Record{
				Type:        store.RecordProduct,
				Name:        fmt.Sprintf("새 제품 %d-%d", now.UnixMilli(), i),
				Description: fmt.Sprintf("자동 생성된 제품 설명 %d", i),
				Price:       float64(s.rnd.Intn(1000000)+1) / 100,
				Category:    simulatedCategories[s.rnd.Intn(len(simulatedCategories))],
				Timestamp:   ts,
			})
			continue
		}
		records = append(records, store.Record{
			Type:      store.RecordMeasurement,
			Source:    simulatedSensors[s.rnd.Intn(len(simulatedSensors))],
			Value:     float64(s.rnd.Intn(10000)+1) / 100,
			Timestamp: ts,
		})
	}
	return records, nil
}
