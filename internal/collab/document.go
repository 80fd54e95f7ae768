// Package collab keeps one shared contract text per negotiation room in
// sync across clients through a websocket relay, and carries each
// client's presence alongside it.
package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"lexicontract/api/internal/contract"
)

var ErrOutOfRange = errors.New("edit outside document bounds")

type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// Change is delivered to observers after the text changed. Local changes
// carry the update peers need to replay the edit.
type Change struct {
	Origin Origin
	Update []byte
}

// Document is the shared text container. Offsets are UTF-16 code units.
// Encode returns the full replica state; Apply merges either a full state
// or a single edit's update. Replicas that have applied the same updates
// hold the same text, whatever the order of delivery.
type Document interface {
	Insert(index int, text string) error
	Delete(index, length int) error
	Len() int
	String() string
	Observe(fn func(Change)) (unobserve func())
	Encode() []byte
	Apply(update []byte) (changed bool, err error)
}

// CharID names one inserted character for good. Clock is a Lamport clock,
// so a character always has a larger clock than the one it was typed after.
type CharID struct {
	Clock uint64 `json:"clock"`
	Site  string `json:"site"`
}

func (a CharID) less(b CharID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Site < b.Site
}

// head is the zero id, the virtual character before the first one.
var head CharID

type OpAction string

const (
	OpInsert OpAction = "insert"
	OpDelete OpAction = "delete"
)

// Op is one character insertion or removal. Origin is the character the
// insertion was typed after.
type Op struct {
	Action OpAction `json:"action"`
	ID     CharID   `json:"id"`
	Origin CharID   `json:"origin"`
	Value  string   `json:"value,omitempty"`
}

type update struct {
	Ops []Op `json:"ops"`
}

type char struct {
	id      CharID
	origin  CharID
	value   string
	deleted bool
}

// TextDoc is a replicated growable array. Characters are never removed,
// only tombstoned, and a concurrent insertion after the same origin is
// ordered by descending CharID, so every replica lays characters out the
// same way. Ops whose origin or target has not arrived yet wait in a
// pending queue.
type TextDoc struct {
	site string

	mu      sync.Mutex
	clock   uint64
	chars   []*char
	byID    map[CharID]*char
	pending []Op
	// last is the slot of the most recent insertion; full states and
	// typing both tend to continue right after it.
	last      int
	observers map[int]func(Change)
	nextObs   int
}

// NewTextDoc creates an empty replica. An empty site gets a random id.
func NewTextDoc(site string) *TextDoc {
	if site == "" {
		site = uuid.NewString()
	}
	return &TextDoc{
		site:      site,
		byID:      make(map[CharID]*char),
		observers: make(map[int]func(Change)),
	}
}

func (d *TextDoc) Site() string {
	return d.site
}

func (d *TextDoc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return contract.Length(d.textLocked())
}

func (d *TextDoc) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked()
}

func (d *TextDoc) textLocked() string {
	n := 0
	for _, c := range d.chars {
		if !c.deleted {
			n += len(c.value)
		}
	}
	buf := make([]byte, 0, n)
	for _, c := range d.chars {
		if !c.deleted {
			buf = append(buf, c.value...)
		}
	}
	return string(buf)
}

func (d *TextDoc) Insert(index int, text string) error {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	origin, err := d.originAtLocked(index)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	ops := make([]Op, 0, len(text))
	for _, r := range text {
		d.clock++
		op := Op{Action: OpInsert, ID: CharID{Clock: d.clock, Site: d.site}, Origin: origin, Value: string(r)}
		d.integrateLocked(op)
		ops = append(ops, op)
		origin = op.ID
	}
	d.mu.Unlock()

	d.notify(Change{Origin: OriginLocal, Update: encodeOps(ops)})
	return nil
}

// originAtLocked returns the visible character ending at UTF-16 offset
// index, or head for offset 0.
func (d *TextDoc) originAtLocked(index int) (CharID, error) {
	origin := head
	units := 0
	for _, c := range d.chars {
		if units >= index {
			break
		}
		if c.deleted {
			continue
		}
		units += contract.Length(c.value)
		origin = c.id
	}
	if index < 0 || units != index {
		return head, fmt.Errorf("insert at %d of %d: %w", index, contract.Length(d.textLocked()), ErrOutOfRange)
	}
	return origin, nil
}

func (d *TextDoc) Delete(index, length int) error {
	if length == 0 {
		return nil
	}
	d.mu.Lock()
	end := index + length
	var ops []Op
	start := -1
	units := 0
	for _, c := range d.chars {
		if c.deleted {
			continue
		}
		if units == index {
			start = units
		}
		if start >= 0 && units < end {
			ops = append(ops, Op{Action: OpDelete, ID: c.id})
		}
		units += contract.Length(c.value)
	}
	if units == index {
		start = units
	}
	if index < 0 || length < 0 || start < 0 || end > units || !d.boundaryLocked(end) {
		d.mu.Unlock()
		return fmt.Errorf("delete [%d,%d) of %d: %w", index, end, units, ErrOutOfRange)
	}
	for _, op := range ops {
		d.integrateLocked(op)
	}
	d.mu.Unlock()

	d.notify(Change{Origin: OriginLocal, Update: encodeOps(ops)})
	return nil
}

// boundaryLocked reports whether offset falls between two visible
// characters rather than inside a surrogate pair.
func (d *TextDoc) boundaryLocked(offset int) bool {
	units := 0
	for _, c := range d.chars {
		if units >= offset {
			break
		}
		if !c.deleted {
			units += contract.Length(c.value)
		}
	}
	return units == offset
}

// integrateLocked applies op and reports whether the text changed. An op
// that depends on an unseen character is queued.
func (d *TextDoc) integrateLocked(op Op) bool {
	switch op.Action {
	case OpInsert:
		if _, seen := d.byID[op.ID]; seen {
			return false
		}
		pos := 0
		if op.Origin != head {
			if _, ok := d.byID[op.Origin]; !ok {
				d.pending = append(d.pending, op)
				return false
			}
			if d.last < len(d.chars) && d.chars[d.last].id == op.Origin {
				pos = d.last + 1
			} else {
				pos = d.indexLocked(op.Origin) + 1
			}
		}
		for pos < len(d.chars) && op.ID.less(d.chars[pos].id) {
			pos++
		}
		c := &char{id: op.ID, origin: op.Origin, value: op.Value}
		d.chars = append(d.chars, nil)
		copy(d.chars[pos+1:], d.chars[pos:])
		d.chars[pos] = c
		d.byID[op.ID] = c
		d.last = pos
		d.clock = max(d.clock, op.ID.Clock)
		return true
	case OpDelete:
		c, ok := d.byID[op.ID]
		if !ok {
			d.pending = append(d.pending, op)
			return false
		}
		if c.deleted {
			return false
		}
		c.deleted = true
		return true
	}
	return false
}

func (d *TextDoc) indexLocked(id CharID) int {
	for i, c := range d.chars {
		if c.id == id {
			return i
		}
	}
	return -1
}

// drainLocked retries queued ops until none of them can make progress.
func (d *TextDoc) drainLocked() bool {
	changed := false
	for len(d.pending) > 0 {
		queued := d.pending
		d.pending = nil
		progress := false
		for _, op := range queued {
			before := len(d.pending)
			if d.integrateLocked(op) {
				changed = true
			}
			if len(d.pending) == before {
				progress = true
			}
		}
		if !progress {
			break
		}
	}
	return changed
}

// Encode returns every character, tombstones included, in document order
// followed by the deletions and any ops still waiting on a dependency.
func (d *TextDoc) Encode() []byte {
	d.mu.Lock()
	ops := make([]Op, 0, len(d.chars)+len(d.pending))
	var deletes []Op
	for _, c := range d.chars {
		ops = append(ops, Op{Action: OpInsert, ID: c.id, Origin: c.origin, Value: c.value})
		if c.deleted {
			deletes = append(deletes, Op{Action: OpDelete, ID: c.id})
		}
	}
	ops = append(ops, deletes...)
	ops = append(ops, d.pending...)
	d.mu.Unlock()
	return encodeOps(ops)
}

func encodeOps(ops []Op) []byte {
	data, _ := json.Marshal(update{Ops: ops})
	return data
}

func (d *TextDoc) Apply(data []byte) (bool, error) {
	var u update
	if err := json.Unmarshal(data, &u); err != nil {
		return false, fmt.Errorf("decode document update: %w", err)
	}
	for _, op := range u.Ops {
		if err := op.validate(); err != nil {
			return false, err
		}
	}

	d.mu.Lock()
	changed := false
	for _, op := range u.Ops {
		if d.integrateLocked(op) {
			changed = true
		}
	}
	if d.drainLocked() {
		changed = true
	}
	d.mu.Unlock()

	if changed {
		d.notify(Change{Origin: OriginRemote})
	}
	return changed, nil
}

func (op Op) validate() error {
	if op.ID.Clock == 0 || op.ID.Site == "" {
		return fmt.Errorf("document op: missing character id")
	}
	switch op.Action {
	case OpInsert:
		if op.Value == "" || contract.Length(op.Value) > 2 {
			return fmt.Errorf("document op %d@%s: insert must carry one character", op.ID.Clock, op.ID.Site)
		}
		if op.Origin != head && !op.Origin.less(op.ID) {
			return fmt.Errorf("document op %d@%s: origin is not older", op.ID.Clock, op.ID.Site)
		}
	case OpDelete:
	default:
		return fmt.Errorf("document op: unknown action %q", op.Action)
	}
	return nil
}

func (d *TextDoc) Observe(fn func(Change)) func() {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

func (d *TextDoc) notify(change Change) {
	d.mu.Lock()
	observers := make([]func(Change), 0, len(d.observers))
	for _, fn := range d.observers {
		observers = append(observers, fn)
	}
	d.mu.Unlock()
	for _, fn := range observers {
		fn(change)
	}
}
