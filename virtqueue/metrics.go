package virtqueue

import "github.com/rcrowley/go-metrics"

var (
	metricAvailChains      = metrics.GetOrRegisterCounter("virtqueue.avail.chains", nil)
	metricAvailReadErrors  = metrics.GetOrRegisterCounter("virtqueue.avail.read_errors", nil)
	metricChainReadErrors  = metrics.GetOrRegisterCounter("virtqueue.chain.read_errors", nil)
	metricChainTruncated   = metrics.GetOrRegisterCounter("virtqueue.chain.truncated", nil)
	metricChainBadIndirect = metrics.GetOrRegisterCounter("virtqueue.chain.bad_indirect", nil)
	metricUsedWriteErrors  = metrics.GetOrRegisterCounter("virtqueue.used.write_errors", nil)
)
