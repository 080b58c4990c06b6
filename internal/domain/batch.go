package domain

// Batch is an ordered group of records committed to the sink as one unit.
// From/To span every line consumed since the previous batch, including
// rejected and duplicate lines, so a batch may be empty and still move the
// checkpoint forward.
type Batch struct {
	ID       string
	SourceID string
	Entries  []EnrichedLogEntry
	From     Position
	To       Position
}

// Len returns the number of records in the batch
func (b *Batch) Len() int {
	return len(b.Entries)
}
