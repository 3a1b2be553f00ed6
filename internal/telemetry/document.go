package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/buger/jsonparser"
)

// ErrParse marks documents that are still not valid JSON after repair.
var ErrParse = errors.New("unparseable document")

// ParseError describes a document that could not be parsed.
type ParseError struct {
	Offset int64 // byte offset reported by the validator, -1 if unknown
	Err    error
}

func (e *ParseError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("parse document at offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("parse document: %v", e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }

// trailingCommaRe matches a comma (and any whitespace) directly before a
// closing brace or bracket.
var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// Repair fixes the two malformations flight log exports are known to have:
// trailing commas before a closing bracket or brace, and a missing final
// closing brace. Anything else is left alone.
func Repair(content string) string {
	content = trailingCommaRe.ReplaceAllString(content, "$1")
	content = strings.TrimSpace(content)
	if !strings.HasSuffix(content, "}") {
		content += "}"
	}
	return content
}

// Parse repairs raw and builds an ordered parse tree from it.
func Parse(raw []byte) (*Node, error) {
	fixed := []byte(Repair(string(raw)))
	if err := validate(fixed); err != nil {
		return nil, err
	}

	value, typ, _, err := jsonparser.Get(fixed)
	if err != nil {
		return nil, &ParseError{Offset: -1, Err: err}
	}
	n, err := build(value, typ)
	if err != nil {
		return nil, &ParseError{Offset: -1, Err: err}
	}
	return n, nil
}

// validate rejects anything encoding/json would not accept, so the tree
// builder only ever sees well-formed input.
func validate(data []byte) error {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return &ParseError{Offset: syn.Offset, Err: err}
		}
		return &ParseError{Offset: -1, Err: err}
	}
	return nil
}

func build(value []byte, typ jsonparser.ValueType) (*Node, error) {
	switch typ {
	case jsonparser.Object:
		n := &Node{Kind: NodeObject}
		err := jsonparser.ObjectEach(value, func(key, v []byte, vt jsonparser.ValueType, _ int) error {
			child, err := build(v, vt)
			if err != nil {
				return err
			}
			n.set(string(key), child)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("object: %w", err)
		}
		return n, nil

	case jsonparser.Array:
		n := &Node{Kind: NodeArray}
		var itemErr error
		_, err := jsonparser.ArrayEach(value, func(v []byte, vt jsonparser.ValueType, _ int, err error) {
			if itemErr != nil {
				return
			}
			if err != nil {
				itemErr = err
				return
			}
			child, err := build(v, vt)
			if err != nil {
				itemErr = err
				return
			}
			n.Items = append(n.Items, child)
		})
		if itemErr != nil {
			return nil, fmt.Errorf("array item: %w", itemErr)
		}
		if err != nil {
			return nil, fmt.Errorf("array: %w", err)
		}
		return n, nil

	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return nil, fmt.Errorf("string: %w", err)
		}
		return &Node{Kind: NodeScalar, Scalar: String(s)}, nil

	case jsonparser.Number:
		return &Node{Kind: NodeScalar, Scalar: ParseNumber(string(value))}, nil

	case jsonparser.Boolean:
		b, err := jsonparser.ParseBoolean(value)
		if err != nil {
			return nil, fmt.Errorf("boolean: %w", err)
		}
		return &Node{Kind: NodeScalar, Scalar: Bool(b)}, nil

	case jsonparser.Null:
		return &Node{Kind: NodeScalar, Scalar: Null()}, nil
	}
	return nil, fmt.Errorf("unexpected value type %s", typ)
}
