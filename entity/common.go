package entity

// Metrics provided by the engine of its operations. Accessible with megaetl.Pipe.Metrics().
type Metrics struct {

	// Total number of records handed to the dispatcher by the source adapter,
	// regardless of the outcome of downstream processing.
	RecordsProcessed int64

	// Total time spent by the dispatcher processing all records
	RecordProcessingTimeMicros int64

	// Total amount of record payload data processed
	BytesProcessed int64

	// Total number of records persisted, either by executed statements or by the
	// record type's own TransformSave.
	RecordsStoredInSink int64

	// Total number of statements executed successfully against the sink.
	StatementsExecuted int64

	// Total number of records skipped, by the record type or by a hook.
	RecordsSkipped int64

	// Total number of records which failed processing (including configuration errors).
	RecordsFailed int64
}

func (m *Metrics) Reset() {
	m.RecordsProcessed = 0
	m.RecordProcessingTimeMicros = 0
	m.BytesProcessed = 0
	m.RecordsStoredInSink = 0
	m.StatementsExecuted = 0
	m.RecordsSkipped = 0
	m.RecordsFailed = 0
}
