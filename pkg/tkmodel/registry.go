package tkmodel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownModel is returned by New for names not in the registry
var ErrUnknownModel = errors.New("unknown tracer-kinetic model")

// Constructor builds a model for an AIF sampled at the dynamic timings
type Constructor func(aif AIF, times []float64, opts Options) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{
		"NONE": func(aif AIF, times []float64, opts Options) (Model, error) {
			return NewNone(aif, times, opts)
		},
		"TOFTS": func(aif AIF, times []float64, opts Options) (Model, error) {
			return NewTofts(aif, times, opts)
		},
		"ETM": func(aif AIF, times []float64, opts Options) (Model, error) {
			return NewETM(aif, times, opts)
		},
		"PATLAK": func(aif AIF, times []float64, opts Options) (Model, error) {
			return NewPatlak(aif, times, opts)
		},
	}
)

// Register adds or replaces a model constructor under name (case-insensitive)
func Register(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToUpper(name)] = c
}

// Names returns the registered model names in sorted order
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New constructs the model registered under name
func New(name string, aif AIF, times []float64, opts Options) (Model, error) {
	registryMu.RLock()
	c, ok := registry[strings.ToUpper(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q (known: %s): %w", name, strings.Join(Names(), ", "), ErrUnknownModel)
	}
	if aif == nil {
		return nil, fmt.Errorf("model %s requires an AIF: %w", name, ErrInvalidOptions)
	}
	if len(times) == 0 {
		return nil, fmt.Errorf("model %s requires dynamic timings: %w", name, ErrInvalidOptions)
	}
	return c(aif, times, opts)
}
