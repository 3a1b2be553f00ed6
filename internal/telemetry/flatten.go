package telemetry

import (
	"errors"
	"fmt"
	"strconv"
)

// DefaultSeparator joins nested object keys.
const DefaultSeparator = "_"

// ErrCollision marks two different leaves that flatten to the same key.
var ErrCollision = errors.New("flattened key collision")

// CollisionError names the key two leaves competed for.
type CollisionError struct {
	Key    string
	First  string // path of the leaf that claimed Key first
	Second string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("flatten: key %q produced by both %s and %s", e.Key, e.First, e.Second)
}

func (e *CollisionError) Unwrap() error { return ErrCollision }

// Flatten converts n into a flat row. Object keys are joined to their parent
// with sep; list elements are keyed {key}_{index}, and containers inside lists
// keep flattening below that. Empty containers contribute nothing.
//
// Every leaf ends up under exactly one key. If two distinct leaves would land
// on the same key, Flatten returns a *CollisionError instead of dropping one.
func Flatten(n *Node, prefix, sep string) (*Row, error) {
	f := &flattener{
		sep:   sep,
		row:   NewRow(16),
		paths: make(map[string]string),
	}
	root := "$"
	if prefix != "" {
		root = prefix
	}
	if err := f.walk(n, prefix, root); err != nil {
		return nil, err
	}
	return f.row, nil
}

type flattener struct {
	sep   string
	row   *Row
	paths map[string]string // flattened key -> source path
}

func (f *flattener) walk(n *Node, key, path string) error {
	if n == nil {
		return f.leaf(key, path, Null())
	}
	switch n.Kind {
	case NodeObject:
		for _, m := range n.Members {
			child := m.Key
			if key != "" {
				child = key + f.sep + m.Key
			}
			if err := f.walk(m.Value, child, path+"."+m.Key); err != nil {
				return err
			}
		}
		return nil

	case NodeArray:
		for i, item := range n.Items {
			idx := strconv.Itoa(i)
			child := idx
			if key != "" {
				child = key + "_" + idx
			}
			if err := f.walk(item, child, path+"["+idx+"]"); err != nil {
				return err
			}
		}
		return nil
	}
	return f.leaf(key, path, n.Scalar)
}

func (f *flattener) leaf(key, path string, v Value) error {
	if first, ok := f.paths[key]; ok {
		return &CollisionError{Key: key, First: first, Second: path}
	}
	f.paths[key] = path
	return f.row.Set(key, v)
}
