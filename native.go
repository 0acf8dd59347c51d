package capture

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// ShutdownPolicy selects what Shutdown does with loaded native libraries.
type ShutdownPolicy int

const (
	// ShutdownSkip leaves native libraries loaded for the life of the
	// process. Some codec libraries crash when unloaded while their worker
	// threads wind down, so this is the default.
	ShutdownSkip ShutdownPolicy = iota

	// ShutdownRelease unloads every library. Only safe once all encoders
	// have been closed.
	ShutdownRelease
)

// nativeLibrary is a dynamically loaded codec library. Platform files
// register one per backend from init.
type nativeLibrary struct {
	name     string
	provider Provider
	load     func() error
	unload   func()

	loaded bool
	err    error
}

var native struct {
	mu     sync.Mutex
	libs   []*nativeLibrary
	policy ShutdownPolicy
}

func registerNativeLibrary(lib *nativeLibrary) {
	native.mu.Lock()
	defer native.mu.Unlock()
	native.libs = append(native.libs, lib)
}

// ensure loads lib once. Callers hold native.mu.
func (lib *nativeLibrary) ensure() error {
	if lib.loaded {
		return nil
	}
	if lib.err != nil {
		return lib.err
	}
	if err := lib.load(); err != nil {
		lib.err = fmt.Errorf("%s: %w", lib.name, err)
		Logger().WithError(err).WithField("library", lib.name).Debug("native library unavailable")
		return lib.err
	}
	lib.loaded = true
	setProviderAvailable(lib.provider)
	Logger().WithField("library", lib.name).Debug("native library loaded")
	return nil
}

// ensureNative loads one library by name, for backends created directly.
func ensureNative(lib *nativeLibrary) error {
	native.mu.Lock()
	defer native.mu.Unlock()
	return lib.ensure()
}

// EnsureInitialized loads every registered native codec library and marks
// its provider available. It is idempotent; a library that failed to load is
// not retried until Shutdown resets it. The returned error lists the
// libraries that could not be loaded; software providers work regardless.
func EnsureInitialized() error {
	native.mu.Lock()
	defer native.mu.Unlock()

	var result *multierror.Error
	for _, lib := range native.libs {
		if err := lib.ensure(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// SetShutdownPolicy sets what Shutdown does.
func SetShutdownPolicy(p ShutdownPolicy) {
	native.mu.Lock()
	defer native.mu.Unlock()
	native.policy = p
}

// Shutdown tears down native libraries according to the shutdown policy.
// With ShutdownSkip it only forgets failed loads so a later
// EnsureInitialized retries them.
func Shutdown() {
	native.mu.Lock()
	defer native.mu.Unlock()

	for _, lib := range native.libs {
		lib.err = nil
		if !lib.loaded || native.policy == ShutdownSkip {
			continue
		}
		if lib.unload != nil {
			lib.unload()
		}
		lib.loaded = false
		clearProviderAvailable(lib.provider)
	}
}
