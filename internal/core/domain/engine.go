package domain

// HistoryStatus is the engine's verdict for a recorded submission
type HistoryStatus string

const (
	HistoryUnknown HistoryStatus = ""
	HistorySuccess HistoryStatus = "success"
	HistoryError   HistoryStatus = "error"
)

// OutputFile is one file a node reported writing
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"` // output | temp | input
}

// NodeOutput lists what a single node produced
type NodeOutput struct {
	NodeID string
	Images []OutputFile
	Videos []OutputFile
	Other  []OutputFile // gifs, text and the like
}

// Files returns images, then videos, then the rest
func (o NodeOutput) Files() []OutputFile {
	out := make([]OutputFile, 0, len(o.Images)+len(o.Videos)+len(o.Other))
	out = append(out, o.Images...)
	out = append(out, o.Videos...)
	return append(out, o.Other...)
}

// HistoryView is the broker's typed view of GET /history/{id}
type HistoryView struct {
	Present   bool
	Status    HistoryStatus
	Completed bool
	Message   string
	// Outputs keep the order the engine reported them in
	Outputs []NodeOutput
}

// Succeeded reports the engine finished the submission without error
func (h HistoryView) Succeeded() bool {
	return h.Present && (h.Status == HistorySuccess || (h.Status == HistoryUnknown && h.Completed))
}

// Failed reports the engine recorded an execution error
func (h HistoryView) Failed() bool {
	return h.Present && h.Status == HistoryError
}

// QueueView is GET /queue reduced to submission ids
type QueueView struct {
	Running []string
	Pending []string
}

// Contains reports whether the submission is still queued or running
func (q QueueView) Contains(id string) bool {
	for _, r := range q.Running {
		if r == id {
			return true
		}
	}
	for _, p := range q.Pending {
		if p == id {
			return true
		}
	}
	return false
}

// IsRunning reports whether the engine is executing the submission now
func (q QueueView) IsRunning(id string) bool {
	for _, r := range q.Running {
		if r == id {
			return true
		}
	}
	return false
}

// TaskEvent is published on every task lifecycle write
type TaskEvent struct {
	TaskID   string     `json:"task_id"`
	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`
	Error    string     `json:"error,omitempty"`
	Deleted  bool       `json:"deleted,omitempty"`
}
