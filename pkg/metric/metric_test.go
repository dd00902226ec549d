package metric

import (
	"container/list"
	"expvar"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushRetainsOneHour(t *testing.T) {
	hist := list.New()
	counter := new(expvar.Int)
	var got string
	for i := 0; i < 100; i++ {
		counter.Add(1)
		got = Push(hist, counter)
	}
	parts := strings.Split(got, ",")
	assert.Len(t, parts, historyLen)
	assert.Equal(t, "40", parts[0])
	assert.Equal(t, "100", parts[len(parts)-1])
}

func TestHistorySample(t *testing.T) {
	m := new(expvar.Map).Init()
	counter := new(expvar.Int)
	h := NewHistory(m, "Things", counter)
	counter.Add(3)
	h.Sample()
	counter.Add(2)
	h.Sample()
	assert.Equal(t, "3,5", m.Get("ThingsHist").(*expvar.String).Value())
	assert.Equal(t, "5", m.Get("Things").String())
}
