package native

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoEngine is returned when no engine has been registered. Engines register
// themselves from init, so a blank import of an engine package is enough.
var ErrNoEngine = errors.New("pcap: no capture engine registered")

// preference lists engines in the order Default tries them.
var preference = []string{"libpcap", "purego"}

var (
	mu      sync.RWMutex
	engines = make(map[string]Engine)
)

// Register makes an engine available by name. Registering the same name twice
// replaces the previous engine.
func Register(e Engine) {
	mu.Lock()
	defer mu.Unlock()
	engines[e.Name()] = e
}

// Lookup returns the engine registered under name.
func Lookup(name string) (Engine, error) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := engines[name]
	if !ok {
		if len(engines) == 0 {
			return nil, ErrNoEngine
		}
		return nil, fmt.Errorf("pcap: unknown capture engine %q (available: %v)", name, namesLocked())
	}
	return e, nil
}

// Default returns the preferred registered engine.
func Default() (Engine, error) {
	mu.RLock()
	defer mu.RUnlock()
	for _, name := range preference {
		if e, ok := engines[name]; ok {
			return e, nil
		}
	}
	names := namesLocked()
	if len(names) == 0 {
		return nil, ErrNoEngine
	}
	return engines[names[0]], nil
}

// Names lists registered engines in lexical order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
