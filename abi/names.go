package abi

import (
	"bytes"
	"iter"
)

// Names parses the enumerator's name list: names separated by NUL and
// terminated by an empty name (a double NUL). Parsing stops at the empty
// name or at the end of buf, whichever comes first. The sequence is
// restartable; each iteration re-parses buf.
func Names(buf []byte) iter.Seq[string] {
	return func(yield func(string) bool) {
		rest := buf
		for len(rest) > 0 {
			i := bytes.IndexByte(rest, 0)
			if i == 0 {
				return
			}
			if i < 0 {
				i = len(rest)
			}
			if !yield(string(rest[:i])) {
				return
			}
			if i == len(rest) {
				return
			}
			rest = rest[i+1:]
		}
	}
}

// PackNames is the inverse of Names.
func PackNames(names []string) []byte {
	var b []byte
	for _, name := range names {
		b = append(b, name...)
		b = append(b, 0)
	}
	return append(b, 0)
}
