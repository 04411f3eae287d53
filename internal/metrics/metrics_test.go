package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersAreRegistered(t *testing.T) {
	before := testutil.ToFloat64(SyncPasses.WithLabelValues("chat", "full", "ok"))
	SyncPasses.WithLabelValues("chat", "full", "ok").Inc()
	require.Equal(t, before+1, testutil.ToFloat64(SyncPasses.WithLabelValues("chat", "full", "ok")))

	StuckTombstones.WithLabelValues("friend").Set(2)
	require.Equal(t, 2.0, testutil.ToFloat64(StuckTombstones.WithLabelValues("friend")))
}
