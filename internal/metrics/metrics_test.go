package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/vocab"
)

func TestCountIntegrity(t *testing.T) {
	c := IntegrityFailures.WithLabelValues("test_count")
	before := testutil.ToFloat64(c)

	err := apperr.New(apperr.Integrity, "tag mismatch")
	assert.Equal(t, err, CountIntegrity("test_count", err))
	assert.NoError(t, CountIntegrity("test_count", nil))
	_ = CountIntegrity("test_count", errors.New("other"))

	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

func TestObserveSelect(t *testing.T) {
	ObserveSelect("adaptive", time.Now().Add(-time.Millisecond))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(SelectDuration), 1)
}

func TestMetricNamesAreNeutral(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "optimizer_") {
			continue
		}
		assert.False(t, vocab.Contains(mf.GetName()), mf.GetName())
		assert.False(t, vocab.Contains(mf.GetHelp()), mf.GetHelp())
	}
}
