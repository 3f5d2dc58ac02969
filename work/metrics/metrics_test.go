package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestForgetDropsSessionSeries(t *testing.T) {
	SegmentsDownloaded.WithLabelValues("forget-a", "segment").Inc()
	SegmentsDownloaded.WithLabelValues("forget-a", "iframe").Inc()
	SegmentsDownloaded.WithLabelValues("forget-b", "segment").Inc()
	CurrentBitrate.WithLabelValues("forget-a").Set(800000)
	DownloadErrors.WithLabelValues("forget-a", "key").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(SegmentsDownloaded.WithLabelValues("forget-a", "iframe")))

	before := testutil.CollectAndCount(SegmentsDownloaded)
	Forget("forget-a")

	assert.Equal(t, before-2, testutil.CollectAndCount(SegmentsDownloaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(SegmentsDownloaded.WithLabelValues("forget-b", "segment")))
	assert.Equal(t, 0, testutil.CollectAndCount(CurrentBitrate))
}
