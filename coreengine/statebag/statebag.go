// Package statebag provides the per-run StateBag shared by the stages of one pipeline run.
//
// Design:
//   - Params: the router's extracted request fields, seeded once at run start
//   - Entries: one slot per stage output key, written exactly once
//   - A bag belongs to exactly one run and is discarded when the run ends
package statebag

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrKeyExists is returned when a stage output key is written twice in one run.
var ErrKeyExists = errors.New("statebag: output key already written")

// ErrDiscarded is returned when writing to a bag whose run was abandoned.
var ErrDiscarded = errors.New("statebag: bag discarded")

// ToolCallRecord captures the single external call made by a tool-invoking stage.
type ToolCallRecord struct {
	Tool       string         `json:"tool"`
	Request    map[string]any `json:"request"`
	Response   map[string]any `json:"response,omitempty"`
	Err        string         `json:"error,omitempty"`
	Empty      bool           `json:"empty"`
	DurationMS int            `json:"duration_ms"`
}

// Entry is the value a stage wrote under its output key.
type Entry struct {
	Value    any             `json:"value"`
	ToolCall *ToolCallRecord `json:"tool_call,omitempty"`
	Stage    string          `json:"stage"`
	At       time.Time       `json:"at"`
}

// Image is an attached photo carried as a request field.
type Image struct {
	Data     []byte
	MIMEType string
	Source   string
}

// Empty reports whether the image carries no bytes.
func (i *Image) Empty() bool {
	return i == nil || len(i.Data) == 0
}

// Bag maps stage output keys to values for one pipeline run.
// A bag is owned by a single run; it is not safe for concurrent writers.
type Bag struct {
	RunID     string
	CreatedAt time.Time

	params    map[string]any
	entries   map[string]*Entry
	order     []string
	discarded bool
}

// New creates a bag seeded with request parameters.
func New(params map[string]any) *Bag {
	seeded := make(map[string]any, len(params))
	for k, v := range params {
		seeded[k] = v
	}
	return &Bag{
		RunID:     "run_" + uuid.New().String()[:16],
		CreatedAt: time.Now().UTC(),
		params:    seeded,
		entries:   make(map[string]*Entry),
	}
}

// Param returns a seeded request field.
func (b *Bag) Param(name string) (any, bool) {
	v, ok := b.params[name]
	return v, ok
}

// Put writes a stage output. Each key may be written once per run.
func (b *Bag) Put(key string, entry Entry) error {
	if b.discarded {
		return ErrDiscarded
	}
	if _, exists := b.entries[key]; exists {
		return fmt.Errorf("%w: %s", ErrKeyExists, key)
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	b.entries[key] = &entry
	b.order = append(b.order, key)
	return nil
}

// Get returns the value stored under a stage output key.
func (b *Bag) Get(key string) (any, bool) {
	e, ok := b.entries[key]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Entry returns the full entry stored under a stage output key.
func (b *Bag) Entry(key string) (*Entry, bool) {
	e, ok := b.entries[key]
	return e, ok
}

// Has checks if a stage output exists.
func (b *Bag) Has(key string) bool {
	_, ok := b.entries[key]
	return ok
}

// Keys returns stage output keys in write order.
func (b *Bag) Keys() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Len returns the number of stage outputs written.
func (b *Bag) Len() int {
	return len(b.entries)
}

// SortedParamNames returns request field names in lexical order.
func (b *Bag) SortedParamNames() []string {
	names := make([]string, 0, len(b.params))
	for k := range b.params {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Discard drops every entry. Later writes fail with ErrDiscarded.
func (b *Bag) Discard() {
	b.entries = make(map[string]*Entry)
	b.order = nil
	b.discarded = true
}
