// Package namegen supplies default human-readable names for hosts and
// test cases created without an explicit name, using the teacher's own
// goombaio/namegenerator dependency the same way its sandbox-naming code
// does.
package namegen

import (
	"strings"
	"sync"
	"time"

	"github.com/goombaio/namegenerator"
)

var (
	once sync.Once
	gen  namegenerator.Generator
	mu   sync.Mutex
)

func generator() namegenerator.Generator {
	once.Do(func() {
		gen = namegenerator.NewNameGenerator(time.Now().UTC().UnixNano())
	})
	return gen
}

// Generate returns a fresh two-word name such as "quiet_forest". The
// generator joins its words with a hyphen, which is replaced by an
// underscore so the name passes model.ValidateIdentifier.
func Generate() string {
	mu.Lock()
	defer mu.Unlock()
	return strings.ReplaceAll(generator().Generate(), "-", "_")
}
