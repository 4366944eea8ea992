package charity

// Stage is a state of the enrichment pipeline
type Stage string

const (
	StageReceived      Stage = "received"
	StageDetailFetched Stage = "detail_fetched"
	StageQuotaChecked  Stage = "quota_checked"
	StageConverted     Stage = "converted"
	StagePublished     Stage = "published"
	StageDone          Stage = "done"
	StageAborted       Stage = "aborted"
)

// AbortReason explains why a run ended in StageAborted
type AbortReason string

const (
	AbortNone                  AbortReason = ""
	AbortMalformedInput        AbortReason = "malformed_input"
	AbortDetailUnavailable     AbortReason = "detail_unavailable"
	AbortQuotaExhausted        AbortReason = "quota_exhausted"
	AbortConversionUnavailable AbortReason = "conversion_unavailable"
	AbortStoreError            AbortReason = "store_error"
	AbortPublishError          AbortReason = "publish_error"
)

// Outcome is the result of one pipeline run
type Outcome struct {
	Stage Stage
	// LastStage is the last stage reached before the run ended
	LastStage  Stage
	Reason     AbortReason
	SalesOrder string
	Admission  *Admission
	Event      *CharityFundIncreased
	Err        error
}

// Done reports whether the run completed and published an event
func (o *Outcome) Done() bool {
	return o.Stage == StageDone
}

// Label returns the metric label of the outcome
func (o *Outcome) Label() string {
	if o.Stage == StageDone {
		return string(StageDone)
	}
	return string(o.Reason)
}
