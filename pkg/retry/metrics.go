package retry

import (
	"sort"
	"time"
)

// OpMetrics tallies one named operation.
type OpMetrics struct {
	Calls        int           `json:"calls"`
	Attempts     int           `json:"attempts"`
	Retries      int           `json:"retries"`
	Successes    int           `json:"successes"`
	Failures     int           `json:"failures"`
	MaxAttempts  int           `json:"maxAttempts"`
	TotalLatency time.Duration `json:"totalLatency"`
}

func (m *OpMetrics) add(o OpMetrics) {
	m.Calls += o.Calls
	m.Attempts += o.Attempts
	m.Retries += o.Retries
	m.Successes += o.Successes
	m.Failures += o.Failures
	m.TotalLatency += o.TotalLatency
	if o.MaxAttempts > m.MaxAttempts {
		m.MaxAttempts = o.MaxAttempts
	}
}

// Snapshot is a point-in-time copy of a Unit's metrics.
type Snapshot struct {
	Unit string               `json:"unit"`
	Ops  map[string]OpMetrics `json:"ops"`
}

// Total folds every operation into one tally.
func (s Snapshot) Total() OpMetrics {
	var t OpMetrics
	for _, m := range s.Ops {
		t.add(m)
	}
	return t
}

// OpNames returns operation names in stable order.
func (s Snapshot) OpNames() []string {
	names := make([]string, 0, len(s.Ops))
	for n := range s.Ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Metrics returns a copy of the current tallies.
func (u *Unit) Metrics() Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	ops := make(map[string]OpMetrics, len(u.ops))
	for name, m := range u.ops {
		ops[name] = *m
	}
	return Snapshot{Unit: u.name, Ops: ops}
}

func (u *Unit) metric(op string) *OpMetrics {
	m, ok := u.ops[op]
	if !ok {
		m = &OpMetrics{}
		u.ops[op] = m
	}
	return m
}

func (u *Unit) recordAttempt(op string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.metric(op).Attempts++
}

func (u *Unit) recordDone(op string, attempts int, ok bool, latency time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()

	m := u.metric(op)
	m.Calls++
	if attempts > 1 {
		m.Retries += attempts - 1
	}
	if attempts > m.MaxAttempts {
		m.MaxAttempts = attempts
	}
	if ok {
		m.Successes++
	} else {
		m.Failures++
	}
	m.TotalLatency += latency
}
