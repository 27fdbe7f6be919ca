// Package source exposes checkpointed state as relational rows through two
// named sources: "statestore" returns the key-value pairs of one store at one
// batch and "state-metadata" lists the operators of a checkpoint.
package source

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Column types reported in a Result.
const (
	TypeStruct = "struct"
	TypeInt    = "int"
	TypeLong   = "long"
	TypeString = "string"
)

// Column describes one output column. Struct columns list their fields.
type Column struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Fields []Column `json:"fields,omitempty"`
	// Hidden columns are metadata and only returned when asked for.
	Hidden bool `json:"hidden,omitempty"`
}

// Record holds one value per column of its Result. Struct values are
// map[string]any.
type Record []any

// Options are the string options of a source. Names are case-insensitive.
type Options map[string]string

// Get returns the value of option name.
func (o Options) Get(name string) (string, bool) {
	if v, ok := o[name]; ok {
		return v, true
	}
	for k, v := range o {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func (o Options) int64Option(name string, def int64) (int64, error) {
	s, ok := o.Get(name)
	if !ok || strings.TrimSpace(s) == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, &OptionError{Option: name, Value: s, Message: "expected an integer"}
	}
	if v < 0 {
		return 0, &OptionError{Option: name, Value: s, Message: "must not be negative"}
	}
	return v, nil
}

func (o Options) requiredPath() (string, error) {
	p, ok := o.Get(OptionPath)
	if !ok || strings.TrimSpace(p) == "" {
		return "", &OptionError{Option: OptionPath, Message: "option is required"}
	}
	return p, nil
}

// OptionError reports an invalid or missing source option.
type OptionError struct {
	Option  string
	Value   string
	Message string
}

func (e *OptionError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("option %s: %s", e.Option, e.Message)
	}
	return fmt.Sprintf("option %s=%q: %s", e.Option, e.Value, e.Message)
}

// Result is a stream of records. Next/Record/Err/Close follow the iterator
// protocol used by the reader.
type Result struct {
	Columns []Column

	next  func() (Record, bool, error)
	close func() error
	cur   Record
	err   error
	done  bool
}

func (r *Result) Next() bool {
	if r.done {
		return false
	}
	rec, ok, err := r.next()
	if err != nil || !ok {
		r.err = err
		r.done = true
		return false
	}
	r.cur = rec
	return true
}

func (r *Result) Record() Record { return r.cur }

func (r *Result) Err() error { return r.err }

func (r *Result) Close() error {
	r.done = true
	if r.close != nil {
		return r.close()
	}
	return nil
}

// VisibleColumns returns the columns that are not hidden.
func (r *Result) VisibleColumns() []Column {
	return slices.DeleteFunc(slices.Clone(r.Columns), func(c Column) bool { return c.Hidden })
}

// Map returns rec keyed by column name. Hidden columns are included only
// when withHidden is set.
func (r *Result) Map(rec Record, withHidden bool) map[string]any {
	out := make(map[string]any, len(r.Columns))
	for i, c := range r.Columns {
		if c.Hidden && !withHidden {
			continue
		}
		if i < len(rec) {
			out[c.Name] = rec[i]
		}
	}
	return out
}

// Collect drains the result and closes it.
func (r *Result) Collect() ([]Record, error) {
	defer r.Close()
	var out []Record
	for r.Next() {
		out = append(out, r.Record())
	}
	return out, r.Err()
}

// Source is a named relational view over a checkpoint.
type Source interface {
	Name() string
	Scan(ctx context.Context, opts Options) (*Result, error)
}

// Registry maps source names to sources.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry returns a registry holding the statestore and state-metadata
// sources backed by readers from opener.
func NewRegistry(opener Opener) *Registry {
	r := &Registry{sources: make(map[string]Source)}
	r.Register(&StateStore{Opener: opener})
	r.Register(&StateMetadata{Opener: opener})
	return r
}

// Register adds or replaces a source.
func (r *Registry) Register(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[strings.ToLower(s.Name())] = s
}

// Lookup returns the source registered under name.
func (r *Registry) Lookup(name string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	return s, nil
}

var defaultRegistry = sync.OnceValue(func() *Registry { return NewRegistry(NewReaderPool(ReaderPoolOptions{})) })

// Lookup returns a source of the default registry, which opens local
// checkpoints with default reader options.
func Lookup(name string) (Source, error) {
	return defaultRegistry().Lookup(name)
}
