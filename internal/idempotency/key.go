// Package idempotency derives the deterministic identity of a step message.
//
// The key is what the outbox uses as the primary identity of an entry, so two
// deliveries of the same logical step message always collapse into one row.
//
// The canonical input is the correlation id followed by the string form of
// every order-tagged field, visited by ascending order value. Fields are tagged
// either with a struct tag:
//
//	type ReserveStock struct {
//	    Correlation string `idem:"0,correlation"`
//	    OrderID     string `idem:"1"`
//	    Quantity    int    `idem:"2"`
//	}
//
// or by implementing FieldSource when the message is not a plain struct.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// TagName is the struct tag read by Derive.
const TagName = "idem"

var (
	// ErrNilMessage is returned when Derive is called without a message.
	ErrNilMessage = errors.New("idempotency: message is required")
	// ErrInvalidTag is returned for an idem tag that does not parse.
	ErrInvalidTag = errors.New("idempotency: invalid idem tag")
)

// StepMessage is anything that carries a correlation identifier.
type StepMessage interface {
	CorrelationID() string
}

// Field is one ordered component of the canonical input.
// A nil Value is absent and contributes nothing.
type Field struct {
	Order int
	Value any
}

// FieldSource lets a message list its key fields explicitly instead of
// relying on struct tags.
type FieldSource interface {
	IdempotencyFields() []Field
}

// Derive returns the 64-character lowercase hex SHA-256 digest of msg's
// canonical input.
func Derive(msg StepMessage) (string, error) {
	if isNil(msg) {
		return "", ErrNilMessage
	}

	fields, err := fieldsOf(msg)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(msg.CorrelationID())

	for _, f := range fields {
		if s, ok := render(f.Value); ok {
			sb.WriteString(s)
		}
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:]), nil
}

// MustDerive is Derive for call sites that already validated msg.
func MustDerive(msg StepMessage) string {
	key, err := Derive(msg)
	if err != nil {
		panic(err)
	}
	return key
}

func fieldsOf(msg StepMessage) ([]Field, error) {
	var fields []Field
	if src, ok := msg.(FieldSource); ok {
		fields = append(fields, src.IdempotencyFields()...)
	} else {
		var err error
		if fields, err = taggedFields(msg); err != nil {
			return nil, err
		}
	}

	// Stable keeps declaration order for equal Order values.
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Order < fields[j].Order })
	return fields, nil
}

type taggedField struct {
	index []int
	order int
}

// layout is the cached tag metadata of one struct type. A type with a
// malformed tag caches its error so every Derive call reports it.
type layout struct {
	fields []taggedField
	err    error
}

var layouts sync.Map // reflect.Type -> layout

func taggedFields(msg StepMessage) ([]Field, error) {
	v := reflect.ValueOf(msg)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, nil
	}

	l := layoutOf(v.Type())
	if l.err != nil {
		return nil, l.err
	}
	fields := make([]Field, 0, len(l.fields))
	for _, tf := range l.fields {
		fields = append(fields, Field{Order: tf.order, Value: v.FieldByIndex(tf.index).Interface()})
	}
	return fields, nil
}

func layoutOf(t reflect.Type) layout {
	if cached, ok := layouts.Load(t); ok {
		return cached.(layout)
	}

	var l layout
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, ok := sf.Tag.Lookup(TagName)
		if !ok || tag == "-" {
			continue
		}
		order, correlation, err := parseTag(tag)
		if err != nil {
			l = layout{err: fmt.Errorf("%w: %s.%s: %w", ErrInvalidTag, t.Name(), sf.Name, err)}
			break
		}
		if correlation || sf.Name == "CorrelationID" {
			continue
		}
		l.fields = append(l.fields, taggedField{index: sf.Index, order: order})
	}

	actual, _ := layouts.LoadOrStore(t, l)
	return actual.(layout)
}

func parseTag(tag string) (order int, correlation bool, err error) {
	parts := strings.Split(tag, ",")
	order, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, false, fmt.Errorf("order %q is not an integer", parts[0])
	}
	for _, opt := range parts[1:] {
		switch strings.TrimSpace(opt) {
		case "correlation":
			correlation = true
		case "":
		default:
			return 0, false, fmt.Errorf("unknown option %q", opt)
		}
	}
	return order, correlation, nil
}

// render returns the string form of v, or false when v is absent.
func render(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return "", false
		}
		return render(rv.Elem().Interface())
	case reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return "", false
		}
	}
	return fmt.Sprint(v), true
}

func isNil(msg StepMessage) bool {
	if msg == nil {
		return true
	}
	rv := reflect.ValueOf(msg)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
