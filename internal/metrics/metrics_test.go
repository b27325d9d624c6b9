package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordFragment(t *testing.T) {
	before := testutil.ToFloat64(fragmentsRouted.WithLabelValues("rejected"))
	RecordFragment("rejected")
	RecordFragment("rejected")
	assert.Equal(t, before+2, testutil.ToFloat64(fragmentsRouted.WithLabelValues("rejected")))
}

func TestSetOpenPredicamentsResets(t *testing.T) {
	SetOpenPredicaments(map[string]int{"DETECTED": 2, "DEFERRED": 1})
	assert.Equal(t, 2.0, testutil.ToFloat64(predicamentsOpen.WithLabelValues("DETECTED")))

	SetOpenPredicaments(map[string]int{"ACKNOWLEDGED": 1})
	assert.Equal(t, 1, testutil.CollectAndCount(predicamentsOpen))
}

func TestSetGridHealth(t *testing.T) {
	SetGridHealth("g1", 0.75)
	assert.Equal(t, 0.75, testutil.ToFloat64(gridHealth.WithLabelValues("g1")))
}
