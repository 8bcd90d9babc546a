// Package settings stores the dashboard's editable JSON documents. Every
// write is validated against an embedded JSON schema before it replaces the
// file on disk.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"ispadmin/internal/fsatomic"
)

var ErrInvalid = errors.New("invalid settings")

// ValidationError lists every schema violation of a rejected document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "settings validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// Document is one schema-checked settings file held in memory.
type Document[T any] struct {
	path   string
	schema *gojsonschema.Schema
	check  func(T) error

	mu  sync.RWMutex
	cur T
}

// Open loads path, falling back to defaults when the file is absent. A file
// that exists but violates the schema is an error.
func Open[T any](path string, schemaJSON []byte, defaults T, check func(T) error) (*Document[T], error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	d := &Document[T]{path: path, schema: schema, check: check, cur: defaults}
	var raw json.RawMessage
	ok, err := fsatomic.LoadJSON(path, &raw)
	if err != nil {
		return nil, err
	}
	if ok {
		v, err := d.decode(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		d.cur = v
	}
	return d, nil
}

func (d *Document[T]) Get() T {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cur
}

func (d *Document[T]) decode(raw []byte) (T, error) {
	var zero T
	res, err := d.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return zero, &ValidationError{Problems: []string{"body is not valid JSON"}}
	}
	if !res.Valid() {
		problems := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return zero, &ValidationError{Problems: problems}
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, &ValidationError{Problems: []string{err.Error()}}
	}
	if d.check != nil {
		if err := d.check(v); err != nil {
			return zero, &ValidationError{Problems: []string{err.Error()}}
		}
	}
	return v, nil
}

// Replace validates raw, lets merge carry values over from the previous
// document, then persists. On any error the stored document is unchanged.
func (d *Document[T]) Replace(ctx context.Context, raw []byte, merge func(prev T, next *T)) (T, error) {
	next, err := d.decode(raw)
	if err != nil {
		return next, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if merge != nil {
		merge(d.cur, &next)
	}
	if err := fsatomic.SaveJSONLocked(ctx, d.path, next, 0o600); err != nil {
		return next, fmt.Errorf("save %s: %w", d.path, err)
	}
	d.cur = next
	return next, nil
}

// Path is the backing file, used by backups.
func (d *Document[T]) Path() string { return d.path }
