package buffer

var (
	MetricBufferBorrowCount    = []string{"rq", "buffer", "borrow", "count"}
	MetricBufferReleaseCount   = []string{"rq", "buffer", "release", "count"}
	MetricBufferExhaustedCount = []string{"rq", "buffer", "exhausted", "count"}
)
