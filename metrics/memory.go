package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dispatchkit/dispatchkit/types"
	"github.com/dispatchkit/dispatchkit/utils"
)

// MemoryMetrics is a dependency-free backend for tests and small
// deployments. Instruments are keyed by name plus sorted label pairs.
type MemoryMetrics struct {
	ctx     context.Context
	logger  types.Logger
	mu      sync.RWMutex
	values  map[string]*memoryValue
	running int32
}

type memoryValue struct {
	name   string
	kind   string
	labels map[string]string
	value  float64
	count  uint64
	mu     sync.Mutex
}

func NewMemoryMetrics(ctx context.Context, logger types.Logger, _ *types.MetricsConfig) (types.MetricsManager, error) {
	return &MemoryMetrics{
		ctx:    ctx,
		logger: logger,
		values: make(map[string]*memoryValue),
	}, nil
}

func (m *MemoryMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	m.mu.Lock()
	m.values = make(map[string]*memoryValue)
	m.mu.Unlock()
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	return &memoryInstrument{value: m.instrument(name, "counter", labels)}
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	return &memoryInstrument{value: m.instrument(name, "gauge", labels)}
}

func (m *MemoryMetrics) Histogram(name string, _ []float64, labels map[string]string) types.Histogram {
	return &memoryInstrument{value: m.instrument(name, "histogram", labels)}
}

func (m *MemoryMetrics) GetMetrics() ([]byte, error) {
	m.mu.RLock()
	snapshot := make([]types.MetricValue, 0, len(m.values))
	for _, v := range m.values {
		v.mu.Lock()
		snapshot = append(snapshot, types.MetricValue{
			Name:      v.name,
			Type:      v.kind,
			Value:     v.value,
			Labels:    v.labels,
			Timestamp: time.Now(),
		})
		v.mu.Unlock()
	}
	m.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Name < snapshot[j].Name })
	return utils.Marshal(snapshot)
}

func (m *MemoryMetrics) instrument(name, kind string, labels map[string]string) *memoryValue {
	key := instrumentKey(name, labels)

	m.mu.RLock()
	v, exists := m.values[key]
	m.mu.RUnlock()
	if exists {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, exists := m.values[key]; exists {
		return v
	}

	v = &memoryValue{name: name, kind: kind, labels: labels}
	m.values[key] = v
	return v
}

func instrumentKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	key := name
	for _, k := range keys {
		key += "|" + k + "=" + labels[k]
	}
	return key
}

type memoryInstrument struct {
	value *memoryValue
}

func (i *memoryInstrument) Inc() { i.Add(1) }

func (i *memoryInstrument) Add(delta float64) {
	i.value.mu.Lock()
	i.value.value += delta
	i.value.count++
	i.value.mu.Unlock()
}

func (i *memoryInstrument) Set(value float64) {
	i.value.mu.Lock()
	i.value.value = value
	i.value.mu.Unlock()
}

func (i *memoryInstrument) Dec() { i.Add(-1) }

func (i *memoryInstrument) Get() float64 {
	i.value.mu.Lock()
	defer i.value.mu.Unlock()
	return i.value.value
}

func (i *memoryInstrument) Observe(value float64) { i.Add(value) }

func (i *memoryInstrument) ObserveDuration(start time.Time) {
	i.Observe(time.Since(start).Seconds())
}

func (i *memoryInstrument) GetCount() uint64 {
	i.value.mu.Lock()
	defer i.value.mu.Unlock()
	return i.value.count
}

func (i *memoryInstrument) GetSum() float64 {
	i.value.mu.Lock()
	defer i.value.mu.Unlock()
	return i.value.value
}
