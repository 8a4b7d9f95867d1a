package p2p

import "github.com/rcrowley/go-metrics"

// Connection-lifecycle instrumentation, registered against the default
// go-metrics registry the way the teacher corpus's node binaries snapshot
// metrics for reporting (periodic log dump, statsd/influx export, etc. —
// out of scope here, only the counters themselves are this package's job).
var (
	metricConnectionsEstablished = metrics.GetOrRegisterCounter("p2p/connections/established", metrics.DefaultRegistry)
	metricConnectionsPending     = metrics.GetOrRegisterCounter("p2p/connections/pending", metrics.DefaultRegistry)
	metricHandshakeTimeouts      = metrics.GetOrRegisterCounter("p2p/handshake/timeouts", metrics.DefaultRegistry)
	metricHandshakeSuccesses     = metrics.GetOrRegisterCounter("p2p/handshake/successes", metrics.DefaultRegistry)
	metricAcceptFailures         = metrics.GetOrRegisterCounter("p2p/accept/failures", metrics.DefaultRegistry)
)
