// Package contract holds the negotiation data model shared by the API
// server and the collaborative client: spans, suggestions and comments.
package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf16"
)

type Status string

const (
	StatusSuggested Status = "suggested"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
)

// ParseStatus accepts any casing of the three known statuses.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusSuggested:
		return StatusSuggested, nil
	case StatusAccepted:
		return StatusAccepted, nil
	case StatusRejected:
		return StatusRejected, nil
	default:
		return "", fmt.Errorf("unknown suggestion status %q", value)
	}
}

func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// Offset is a UTF-16 code unit index. Upstream payloads sometimes carry
// strings or nulls where an integer belongs; those decode as invalid
// instead of failing the whole document.
type Offset struct {
	Value int
	Valid bool
}

func At(value int) Offset {
	return Offset{Value: value, Valid: true}
}

func (o *Offset) UnmarshalJSON(data []byte) error {
	*o = Offset{}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return nil
	}
	number, ok := raw.(json.Number)
	if !ok {
		return nil
	}
	f, err := number.Float64()
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) || f > math.MaxInt32 || f < math.MinInt32 {
		return nil
	}
	*o = At(int(f))
	return nil
}

func (o Offset) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// Span is the half-open range [Start, End) in UTF-16 code units.
type Span struct {
	Start Offset `json:"start"`
	End   Offset `json:"end"`
}

func NewSpan(start, end int) Span {
	return Span{Start: At(start), End: At(end)}
}

// Usable reports whether the span can be cut out of a text of the given
// UTF-16 length: both offsets integral and 0 <= start < end <= length.
func (s Span) Usable(length int) bool {
	if !s.Start.Valid || !s.End.Valid {
		return false
	}
	return s.Start.Value >= 0 && s.Start.Value < s.End.Value && s.End.Value <= length
}

type AnalysisSuggestion struct {
	ID            string  `json:"id"`
	VersionID     string  `json:"versionId,omitempty"`
	Span          Span    `json:"span"`
	OriginalText  string  `json:"originalText"`
	SuggestedText *string `json:"suggestedText,omitempty"`
	Comment       string  `json:"comment"`
	RiskCategory  string  `json:"riskCategory"`
	Status        Status  `json:"status"`
}

type UserComment struct {
	ID          string    `json:"id"`
	VersionID   string    `json:"versionId,omitempty"`
	Span        Span      `json:"span"`
	CommentText string    `json:"commentText"`
	AuthorID    string    `json:"authorId"`
	AuthorName  string    `json:"authorName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Units is a text indexed by UTF-16 code units.
type Units []uint16

func Encode(text string) Units {
	return Units(utf16.Encode([]rune(text)))
}

func (u Units) Len() int {
	return len(u)
}

func (u Units) Slice(start, end int) string {
	return string(utf16.Decode(u[start:end]))
}

// SplitsPair reports whether offset i falls between the two halves of a
// surrogate pair, where no string boundary can exist.
func (u Units) SplitsPair(i int) bool {
	if i <= 0 || i >= len(u) {
		return false
	}
	return u[i-1] >= 0xd800 && u[i-1] < 0xdc00 && u[i] >= 0xdc00 && u[i] < 0xe000
}

// Length returns the UTF-16 length of text.
func Length(text string) int {
	n := 0
	for _, r := range text {
		n += utf16.RuneLen(r)
	}
	return n
}

// Text indexes a string by UTF-16 code units but slices the original
// bytes, so invalid UTF-8 survives a split and rejoin unchanged.
type Text struct {
	s string
	// at[i] is the byte offset where code unit i starts; the low half of a
	// surrogate pair shares its high half's offset.
	at []int
}

func NewText(s string) Text {
	at := make([]int, 0, len(s)+1)
	for i, r := range s {
		at = append(at, i)
		if utf16.RuneLen(r) == 2 {
			at = append(at, i)
		}
	}
	return Text{s: s, at: append(at, len(s))}
}

func (t Text) Len() int {
	return len(t.at) - 1
}

func (t Text) Slice(start, end int) string {
	return t.s[t.at[start]:t.at[end]]
}

func (t Text) SplitsPair(i int) bool {
	return i > 0 && i < t.Len() && t.at[i] == t.at[i-1]
}
