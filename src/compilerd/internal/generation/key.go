package generation

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Shape is the part of a compilation that determines whether generator state can be reused.
// Source contents are deliberately absent: they are diffed by the Driver.
type Shape struct {
	Language        string
	SourcePaths     []string
	Defines         []string
	LanguageVersion string
}

// Key identifies a generation pipeline cache entry.
type Key struct {
	Generators uint64
	Shape      uint64
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%016x:%016x", k.Generators, k.Shape)
}

// NewKey derives the cache key for an ordered list of generator identities and a compilation shape.
func NewKey(generatorIdentities []string, shape Shape) Key {
	return Key{
		Generators: digestStrings(generatorIdentities),
		Shape: digestStrings(
			[]string{shape.Language, shape.LanguageVersion},
			shape.SourcePaths,
			shape.Defines,
		),
	}
}

// digestStrings hashes each list length-prefixed so that element boundaries are unambiguous.
func digestStrings(lists ...[]string) uint64 {
	d := xxhash.New()
	for _, list := range lists {
		_, _ = d.WriteString(strconv.Itoa(len(list)))
		_, _ = d.WriteString("\x00")
		for _, s := range list {
			_, _ = d.WriteString(strconv.Itoa(len(s)))
			_, _ = d.WriteString(":")
			_, _ = d.WriteString(s)
		}
	}
	return d.Sum64()
}
