// Package metric keeps a rolling one-hour history of expvar counters.
package metric

import (
	"container/list"
	"expvar"
	"strings"
	"sync"
	"time"
)

// historyLen is one hour of samples plus one; charts plot deltas between entries.
const historyLen = 61

// TickerFunc is called once per minute by the metrics ticker.
type TickerFunc func()

var (
	tickerMu    sync.Mutex
	tickerFuncs []TickerFunc
	tickerOnce  sync.Once
)

// AddTickerFunc registers f to be called each minute.
func AddTickerFunc(f TickerFunc) {
	tickerOnce.Do(func() { go metricsTicker() })
	tickerMu.Lock()
	tickerFuncs = append(tickerFuncs, f)
	tickerMu.Unlock()
}

// History samples a source counter into a comma delimited expvar string.
type History struct {
	mu      sync.Mutex
	samples *list.List
	source  expvar.Var
	out     *expvar.String
}

// NewHistory publishes name+"Hist" on m, sampling src each minute.
func NewHistory(m *expvar.Map, name string, src expvar.Var) *History {
	h := &History{samples: list.New(), source: src, out: new(expvar.String)}
	m.Set(name, src)
	m.Set(name+"Hist", h.out)
	AddTickerFunc(h.Sample)
	return h
}

// Sample appends the current value of the source counter.
func (h *History) Sample() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.out.Set(Push(h.samples, h.source))
}

// Push adds the metric to the end of the list and returns the retained entries comma separated.
func Push(history *list.List, ev expvar.Var) string {
	history.PushBack(ev.String())
	for history.Len() > historyLen {
		history.Remove(history.Front())
	}
	s := make([]string, 0, history.Len())
	for e := history.Front(); e != nil; e = e.Next() {
		s = append(s, e.Value.(string))
	}
	return strings.Join(s, ",")
}

func metricsTicker() {
	ticker := time.NewTicker(time.Minute)
	for range ticker.C {
		tickerMu.Lock()
		funcs := append([]TickerFunc(nil), tickerFuncs...)
		tickerMu.Unlock()
		for _, f := range funcs {
			f()
		}
	}
}
