package indexer

import "time"

// Report is the structured outcome of an index run.
type Report struct {
	Duration       time.Duration  `json:"duration"`
	FilesProcessed int            `json:"files_processed"`
	FilesSkipped   int            `json:"files_skipped"`
	FilesDeleted   int            `json:"files_deleted"`
	ChunksCreated  int            `json:"chunks_created"`
	ChunksFailed   int            `json:"chunks_failed"`
	BytesRead      int64          `json:"bytes_read"`
	Throughput     float64        `json:"throughput_bytes_per_sec"`
	SkipReasons    map[string]int `json:"skip_reasons,omitempty"`

	startedAt time.Time
}

func newReport() *Report {
	return &Report{
		SkipReasons: make(map[string]int),
		startedAt:   time.Now(),
	}
}

// skip records one skipped file with a reason.
func (r *Report) skip(reason string) {
	r.FilesSkipped++
	r.SkipReasons[reason]++
}

// absorbSkips merges the scanner's skip accounting.
func (r *Report) absorbSkips(reasons map[string]int) {
	for reason, count := range reasons {
		r.FilesSkipped += count
		r.SkipReasons[reason] += count
	}
}

// finish stamps duration and throughput.
func (r *Report) finish() {
	r.Duration = time.Since(r.startedAt)
	if secs := r.Duration.Seconds(); secs > 0 {
		r.Throughput = float64(r.BytesRead) / secs
	}
}
