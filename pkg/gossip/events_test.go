package gossip

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ryandielhenn/zephyrgossip/internal/telemetry"
)

func TestEventLoggersFanOut(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rec := &EventRecorder{}
	ls := EventLoggers{rec, ZapEventLogger{Logger: zap.New(core)}, MetricsEventLogger{}}

	a, b := Address{ID: 101}, Address{ID: 102}
	before := testutil.ToFloat64(telemetry.MembershipEvents.WithLabelValues(a.String(), "remove"))

	ls.LogAdd(a, b)
	ls.LogRemove(a, b)

	assert.Equal(t, []Event{
		{Kind: EventAdd, Observer: a, Subject: b},
		{Kind: EventRemove, Observer: a, Subject: b},
	}, rec.Events())
	assert.Equal(t, 1, rec.Count(EventRemove, a, b))
	assert.Zero(t, rec.Count(EventRemove, b, a))

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "node added", entries[0].Message)
		assert.Equal(t, "node removed", entries[1].Message)
		assert.Equal(t, "102:0", entries[1].ContextMap()["subject"])
	}

	after := testutil.ToFloat64(telemetry.MembershipEvents.WithLabelValues(a.String(), "remove"))
	assert.Equal(t, before+1, after)
}
