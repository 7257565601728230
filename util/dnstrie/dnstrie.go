// SPDX-License-Identifier: MIT
//
// DNS name set supporting exact name and zone (suffix) matches
//

package dnstrie

import (
	"strings"
)

// A table to speed up the transformation of DNS keys to lower case.
var keyXTable [256]byte

func init() {
	for i := 0; i < len(keyXTable); i++ {
		c := byte(i)
		if c >= byte('A') && c <= byte('Z') {
			c = c - byte('A') + byte('a')
		}
		keyXTable[i] = c
	}
}

// DNS trie flattened into two hash maps keyed by normalized names: one for
// exact names and one for zones.  A zone lookup walks the label
// boundaries of the name, so each level of the trie costs one map probe.
// NOTE: It's the consumer's responsibility to protect concurrent
// modifications; concurrent lookups alone are safe.
type DNSTrie struct {
	names map[Key]nullT
	zones map[Key]nullT
}

type nullT struct{}

var null = nullT{}

// A key for trie match: the name in lower case without the trailing dot.
// The root zone is the empty key.
type Key string

// Convert a DNS name into a trie lookup key.
// The input (dname) is decoded and in text format, but not needed to
// be normalized to lower case.
func NewKey(dname string) Key {
	dname = strings.TrimSuffix(dname, ".")
	for i := 0; i < len(dname); i++ {
		if keyXTable[dname[i]] != dname[i] {
			key := []byte(dname)
			for j := i; j < len(key); j++ {
				key[j] = keyXTable[key[j]]
			}
			return Key(key)
		}
	}
	return Key(dname)
}

// String returns the fully-qualified form, e.g., "example.com.".
func (k Key) String() string {
	return string(k) + "."
}

// Parent returns the key of the enclosing zone, or false for the root.
func (k Key) Parent() (Key, bool) {
	if k == "" {
		return "", false
	}
	if i := strings.IndexByte(string(k), '.'); i >= 0 {
		return k[i+1:], true
	}
	return "", true
}

// Add a name for exact match.
func (t *DNSTrie) AddName(name string) {
	if t.names == nil {
		t.names = make(map[Key]nullT)
	}
	t.names[NewKey(name)] = null
}

func (t *DNSTrie) HasName(name string) bool {
	_, ok := t.names[NewKey(name)]
	return ok
}

func (t *DNSTrie) DeleteName(name string) {
	delete(t.names, NewKey(name))
}

// Add a zone, which matches the name itself and all names below it.
func (t *DNSTrie) AddZone(name string) {
	if t.zones == nil {
		t.zones = make(map[Key]nullT)
	}
	t.zones[NewKey(name)] = null
}

func (t *DNSTrie) HasZone(name string) bool {
	_, ok := t.zones[NewKey(name)]
	return ok
}

func (t *DNSTrie) DeleteZone(name string) {
	delete(t.zones, NewKey(name))
}

// Len returns the number of names and zones.
func (t *DNSTrie) Len() int {
	return len(t.names) + len(t.zones)
}

// Lookup the name to find a match.
// If found a match, return the matched key (the name itself, or the
// longest matching zone) and a boolean indicating whether it was an exact
// name match.  The last boolean reports whether anything matched.
func (t *DNSTrie) Match(name string) (Key, bool, bool) {
	return t.MatchKey(NewKey(name))
}

// MatchKey is Match for a key that is already normalized.  It does not
// allocate.
func (t *DNSTrie) MatchKey(key Key) (Key, bool, bool) {
	if _, ok := t.names[key]; ok {
		return key, true, true
	}
	if len(t.zones) == 0 {
		return "", false, false
	}
	for k, ok := key, true; ok; k, ok = k.Parent() {
		if _, found := t.zones[k]; found {
			return k, false, true
		}
	}
	return "", false, false
}
