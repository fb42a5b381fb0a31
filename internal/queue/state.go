package queue

import "github.com/italolelis/filequeue/internal/transfer"

// AuxMetricLabel describes the auxiliary value carried by Completed.
const AuxMetricLabel = "instantaneous battery current in amps, approximate"

// State is the observable status of the queue. The set of variants is closed;
// consumers type-switch over it.
type State interface {
	// Name is the stable identifier used in logs, metrics and JSON.
	Name() string
	isState()
}

// Idle means nothing runs: no base URL was started yet, or the queue was reset.
type Idle struct{}

// Loading means the controller is reconciling with the job store at startup.
type Loading struct{}

// FetchingMetadata means the next-file request is outstanding.
type FetchingMetadata struct{}

// MetadataFetched carries the file about to be transferred.
type MetadataFetched struct {
	FileName   string
	FileLength int64
	Checksum   string
}

// Enqueued means the transfer job was accepted.
type Enqueued struct {
	TaskID string
}

// Progress is the throttled transfer percentage, 0 to 100.
type Progress struct {
	Percent int
}

// Completed means the current file was verified, committed and reported.
// AuxMetric is an optional approximate reading, see AuxMetricLabel.
type Completed struct {
	AuxMetric *float64
}

// Failed halts the loop until Start is called again.
type Failed struct {
	Message string
	Kind    transfer.Kind
}

// AllDownloadsCompleted means the backend has no more files.
type AllDownloadsCompleted struct{}

func (Idle) Name() string                  { return "idle" }
func (Loading) Name() string               { return "loading" }
func (FetchingMetadata) Name() string      { return "fetching_metadata" }
func (MetadataFetched) Name() string       { return "metadata_fetched" }
func (Enqueued) Name() string              { return "enqueued" }
func (Progress) Name() string              { return "progress" }
func (Completed) Name() string             { return "completed" }
func (Failed) Name() string                { return "failed" }
func (AllDownloadsCompleted) Name() string { return "all_downloads_completed" }

func (Idle) isState()                  {}
func (Loading) isState()               {}
func (FetchingMetadata) isState()      {}
func (MetadataFetched) isState()       {}
func (Enqueued) isState()              {}
func (Progress) isState()              {}
func (Completed) isState()             {}
func (Failed) isState()                {}
func (AllDownloadsCompleted) isState() {}

// StatusView is the JSON form of a State.
type StatusView struct {
	Status         string        `json:"status"`
	FileName       string        `json:"file_name,omitempty"`
	FileLength     *int64        `json:"file_length,omitempty"`
	Checksum       string        `json:"checksum,omitempty"`
	TaskID         string        `json:"task_id,omitempty"`
	Percent        *int          `json:"percent,omitempty"`
	AuxMetric      *float64      `json:"aux_metric,omitempty"`
	AuxMetricLabel string        `json:"aux_metric_label,omitempty"`
	Message        string        `json:"message,omitempty"`
	Kind           transfer.Kind `json:"kind,omitempty"`
}

// Snapshot converts a state into its JSON view.
func Snapshot(s State) StatusView {
	if s == nil {
		s = Idle{}
	}

	view := StatusView{Status: s.Name()}

	switch v := s.(type) {
	case Idle, Loading, FetchingMetadata, AllDownloadsCompleted:
	case MetadataFetched:
		length := v.FileLength
		view.FileName = v.FileName
		view.FileLength = &length
		view.Checksum = v.Checksum
	case Enqueued:
		view.TaskID = v.TaskID
	case Progress:
		pct := v.Percent
		view.Percent = &pct
	case Completed:
		if v.AuxMetric != nil {
			aux := *v.AuxMetric
			view.AuxMetric = &aux
			view.AuxMetricLabel = AuxMetricLabel
		}
	case Failed:
		view.Message = v.Message
		view.Kind = v.Kind
	}

	return view
}
