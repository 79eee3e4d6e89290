// Package annotation persists per-note comments and tasks in a side-file and
// merges concurrent edits of that file by annotation ID.
package annotation

import "time"

// Kind distinguishes comments from tasks.
type Kind string

const (
	KindComment Kind = "comment"
	KindTask    Kind = "task"
)

// TimeLayout is the fixed-width UTC layout used for CreatedTime, so that
// timestamps order correctly as plain strings.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Task holds the fields of a task annotation.
type Task struct {
	Done     bool   `json:"done"`
	Due      string `json:"due,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// Anchor is a byte range into the note body.
type Anchor struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Annotation is one comment or task attached to a span of a note.
type Annotation struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	Content     string `json:"content,omitempty"`
	Task        *Task  `json:"task,omitempty"`
	Anchor      Anchor `json:"anchor"`
	AnchorText  string `json:"anchor_text"`
	CreatedTime string `json:"created_time"`
	Resolved    bool   `json:"resolved"`
}

// Orphaned reports whether the annotation's anchor no longer matches body.
func (a Annotation) Orphaned(body string) bool {
	s, e := a.Anchor.Start, a.Anchor.End
	if s < 0 || e < s || e > len(body) {
		return true
	}
	return body[s:e] != a.AnchorText
}

// Stamp formats t for CreatedTime.
func Stamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Merge unions local and disk by ID. For an ID present on both sides the
// entry with the later CreatedTime wins and ties keep local. Local entries
// keep their order and disk-only entries follow in disk order.
func Merge(local, disk []Annotation) []Annotation {
	onDisk := make(map[string]Annotation, len(disk))
	for _, a := range disk {
		onDisk[a.ID] = a
	}
	out := make([]Annotation, 0, len(local)+len(disk))
	seen := make(map[string]bool, len(local))
	for _, a := range local {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		if d, ok := onDisk[a.ID]; ok && d.CreatedTime > a.CreatedTime {
			a = d
		}
		out = append(out, a)
	}
	for _, d := range disk {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out
}

// Prune splits list into annotations still anchored in body and orphans.
func Prune(list []Annotation, body string) (kept, pruned []Annotation) {
	kept = make([]Annotation, 0, len(list))
	for _, a := range list {
		if a.Orphaned(body) {
			pruned = append(pruned, a)
			continue
		}
		kept = append(kept, a)
	}
	return kept, pruned
}
