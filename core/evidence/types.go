// Package evidence models the read-only documentation stream from the
// external clinical-records system. The engine never writes notes.
package evidence

import "time"

type Note struct {
	ID         string    `json:"id"`
	SubjectRef string    `json:"subject_ref"`
	CreatedAt  time.Time `json:"created_at"`
	FreeText   string    `json:"free_text"`
	Category   string    `json:"category,omitempty"`
}

// Texts projects the free text of an ordered note list, preserving order.
func Texts(notes []Note) []string {
	out := make([]string, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.FreeText)
	}
	return out
}
