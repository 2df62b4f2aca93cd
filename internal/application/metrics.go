package application

import "github.com/hashicorp/go-metrics"

var (
	MetricGateAttemptCount    = []string{"rq", "gate", "attempt", "count"}
	MetricGateFailureCount    = []string{"rq", "gate", "failure", "count"}
	MetricRequestOutcomeCount = []string{"rq", "request", "outcome", "count"}
	MetricResumePassCount     = []string{"rq", "resume", "pass", "count"}
	MetricRequestReusedCount  = []string{"rq", "request", "reused", "count"}
	MetricJournalErrorCount   = []string{"rq", "journal", "error", "count"}
)

const (
	LabelOutcome = "outcome"
	LabelStage   = "stage"
)

func outcomeLabel(outcome Outcome) []metrics.Label {
	return []metrics.Label{{Name: LabelOutcome, Value: string(outcome)}}
}
