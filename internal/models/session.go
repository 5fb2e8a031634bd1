package models

import "time"

type Status string

const (
	StatusRecording Status = "recording"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Session is one recording-to-transcript unit of work. Audio grows only while
// the session is recording; Segments stay sorted ascending by decoded offset
// after every mutation.
type Session struct {
	ID        string    `bson:"_id" json:"id"` // uuid v4
	CreatedAt time.Time `bson:"created_at" json:"created_at"`

	Audio  []byte `bson:"audio,omitempty" json:"-"`
	Status Status `bson:"status" json:"status"`

	Segments []Segment `bson:"segments" json:"segments"`

	ErrorMessage string `bson:"error_message,omitempty" json:"error_message,omitempty"`
}

// Segment is one timestamped span of transcribed text. Timestamp is the
// display form ("MM:SS"); the sortable form is whole seconds via timecode.
// Segments are value records: an edit produces a replacement at the same index.
type Segment struct {
	Timestamp string `bson:"timestamp" json:"timestamp"`
	Text      string `bson:"text" json:"text"`
}

func (s *Session) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusError
}

// Clone returns a deep copy so in-flight merges never alias caller state.
func (s *Session) Clone() *Session {
	out := *s
	out.Audio = append([]byte(nil), s.Audio...)
	out.Segments = append([]Segment(nil), s.Segments...)
	return &out
}
