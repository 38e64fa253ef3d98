package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further status writes are allowed
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Valid reports whether s is one of the known statuses
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Task is the persisted record of one generation request
type Task struct {
	ID                 string     `json:"id"`
	Mode               Mode       `json:"mode"`
	Status             TaskStatus `json:"status"`
	Description        string     `json:"description"`
	Reference          string     `json:"reference,omitempty"` // single path or JSON list
	Parameters         string     `json:"parameters"`          // JSON encoded Parameters
	EngineSubmissionID string     `json:"engine_submission_id,omitempty"`
	Result             string     `json:"result,omitempty"` // single path or JSON list
	Error              string     `json:"error,omitempty"`
	Progress           int        `json:"progress"`
	IsFavorited        bool       `json:"is_favorited"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// References decodes the reference column into an ordered list of paths
func (t *Task) References() []string {
	return decodePathList(t.Reference)
}

// ResultPaths decodes the result column into an ordered list of artifact paths
func (t *Task) ResultPaths() []string {
	return decodePathList(t.Result)
}

// EncodePathList stores one path bare and several as a JSON list
func EncodePathList(paths []string) string {
	switch len(paths) {
	case 0:
		return ""
	case 1:
		return paths[0]
	}
	b, _ := json.Marshal(paths)
	return string(b)
}

func decodePathList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var paths []string
		if err := json.Unmarshal([]byte(raw), &paths); err == nil {
			return paths
		}
	}
	return []string{raw}
}

// StatusUpdate carries the optional columns written along with a status change
type StatusUpdate struct {
	SubmissionID string
	Result       []string
	Error        string
	Progress     *int
}

// FavoriteFilter selects tasks by favorite flag
type FavoriteFilter string

const (
	FavoriteAny FavoriteFilter = "any"
	FavoriteYes FavoriteFilter = "yes"
	FavoriteNo  FavoriteFilter = "no"
)

// TimeWindow selects tasks by creation time
type TimeWindow string

const (
	WindowAny   TimeWindow = "any"
	WindowToday TimeWindow = "today"
	Window7d    TimeWindow = "7d"
	Window30d   TimeWindow = "30d"
)

// Since returns the lower created_at bound for the window, zero for any
func (w TimeWindow) Since(now time.Time) time.Time {
	switch w {
	case WindowToday:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	case Window7d:
		return now.Add(-7 * 24 * time.Hour)
	case Window30d:
		return now.Add(-30 * 24 * time.Hour)
	}
	return time.Time{}
}

type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// ListQuery filters and paginates the task listing
type ListQuery struct {
	Limit    int
	Offset   int
	Order    SortOrder
	Favorite FavoriteFilter
	Window   TimeWindow
	// Statuses limits the listing to the given statuses, empty means all
	Statuses []TaskStatus
}

// Normalize fills defaults and clamps paging
func (q ListQuery) Normalize() ListQuery {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Order != OrderAsc {
		q.Order = OrderDesc
	}
	switch q.Favorite {
	case FavoriteYes, FavoriteNo:
	default:
		q.Favorite = FavoriteAny
	}
	switch q.Window {
	case WindowToday, Window7d, Window30d:
	default:
		q.Window = WindowAny
	}
	return q
}

// TaskPage is one page of the listing with the total for the same filter set
type TaskPage struct {
	Tasks []*Task
	Total int
}
