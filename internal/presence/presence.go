// Package presence describes the ephemeral identity a session broadcasts
// to its peers and derives a stable colour for it.
package presence

import "unicode/utf16"

// User is the awareness state shown next to a remote caret.
type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Cursor is a caret (Anchor == Head) or a selection, in UTF-16 units.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// State is the awareness payload of one session.
type State struct {
	User   User    `json:"user"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

// Peer is a remote session's last known state.
type Peer struct {
	SessionID string `json:"sessionId"`
	State
}

// Anonymous is shown for peers that have not announced a user yet.
var Anonymous = User{Name: "Anonymous", Color: "#9ca3af"}

// Palette assigns colours to identities.
type Palette struct {
	colors []string
}

func DefaultPalette() Palette {
	return NewPalette([]string{"#f783ac", "#6b7280", "#3b82f6", "#10b981", "#f59e0b", "#8b5cf6"})
}

// NewPalette copies colors; an empty list falls back to the default palette.
func NewPalette(colors []string) Palette {
	if len(colors) == 0 {
		return DefaultPalette()
	}
	return Palette{colors: append([]string(nil), colors...)}
}

func (p Palette) Colors() []string {
	return append([]string(nil), p.colors...)
}

// ColorFor maps an identity key to a palette entry. The hash runs over
// UTF-16 code units and wraps the shifted term to 32 bits, so the same key
// yields the same colour as the web client.
func (p Palette) ColorFor(identity string) string {
	var hash int64
	for _, c := range utf16.Encode([]rune(identity)) {
		shifted := int64(int32(hash) << 5)
		hash = int64(c) + (shifted - hash)
	}
	if hash < 0 {
		hash = -hash
	}
	return p.colors[hash%int64(len(p.colors))]
}
