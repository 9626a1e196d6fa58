// Package reassembly recovers whole JSON objects from fragmented device streams.
package reassembly

import (
	"bytes"
	"encoding/json"
)

// DefaultMaxBytes bounds a single device accumulator.
const DefaultMaxBytes = 64 * 1024

// Buffer accumulates chunks per device and slices off complete objects.
type Buffer struct {
	store    Store
	maxBytes int
}

// New returns a Buffer backed by store. A nil store gets a MemoryStore and a
// non-positive maxBytes gets DefaultMaxBytes.
func New(store Store, maxBytes int) *Buffer {
	if store == nil {
		store = NewMemoryStore()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Buffer{store: store, maxBytes: maxBytes}
}

// Feed appends chunk to the device's accumulator and returns every complete
// object now available, in stream order. Bytes before an opening brace are
// discarded. dropped is the size of an accumulator thrown away for exceeding
// the limit without completing an object.
func (b *Buffer) Feed(deviceID string, chunk []byte) (objects [][]byte, dropped int) {
	acc := append(b.store.Load(deviceID), chunk...)

	for {
		start := bytes.IndexByte(acc, '{')
		if start < 0 {
			b.store.Delete(deviceID)
			return objects, 0
		}
		acc = acc[start:]

		end := objectEnd(acc)
		if end < 0 {
			break
		}
		objects = append(objects, bytes.Clone(acc[:end+1]))
		acc = acc[end+1:]
	}

	if len(acc) > b.maxBytes {
		b.store.Delete(deviceID)
		return objects, len(acc)
	}
	b.store.Save(deviceID, bytes.Clone(acc))
	return objects, 0
}

// Reset discards whatever is buffered for deviceID.
func (b *Buffer) Reset(deviceID string) {
	b.store.Delete(deviceID)
}

// objectEnd returns the index of the brace closing the object that starts at
// buf[0], or -1 if the object is incomplete. Braces inside string literals do
// not count, unless an unbalanced quote has swallowed the close: when a plain
// brace count closes first and a well-formed object follows, the scan resyncs
// there and the damaged prefix is returned as its own object.
func objectEnd(buf []byte) int {
	end, plainEnd := scanObject(buf)
	if plainEnd >= 0 && plainEnd != end && startsObject(buf[plainEnd+1:]) {
		return plainEnd
	}
	return end
}

// scanObject returns the string-aware closing index and the index where a
// plain brace count first returns to zero, each -1 if not reached.
func scanObject(buf []byte) (end, plainEnd int) {
	plainEnd = -1
	depth, plain := 0, 0
	inString := false
	escaped := false
	for i, c := range buf {
		switch c {
		case '{':
			plain++
		case '}':
			plain--
			if plain == 0 && plainEnd < 0 {
				plainEnd = i
			}
		}

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, plainEnd
			}
		}
	}
	return -1, plainEnd
}

// startsObject reports whether rest begins, after whitespace, with a complete
// valid JSON object that has at least one key.
func startsObject(rest []byte) bool {
	rest = bytes.TrimLeft(rest, " \t\r\n")
	if len(rest) == 0 || rest[0] != '{' {
		return false
	}
	end, _ := scanObject(rest)
	if end < 0 {
		return false
	}
	candidate := rest[:end+1]
	return bytes.IndexByte(candidate, '"') >= 0 && json.Valid(candidate)
}
