//go:build darwin || linux

// Shared utilities for purego-based codec implementations.

package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
)

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	// Find string length
	p := unsafe.Pointer(ptr)
	var length int
	for {
		if *(*byte)(unsafe.Add(p, length)) == 0 {
			break
		}
		length++
		if length > 1024 { // Safety limit
			break
		}
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// findModuleRoot walks up the directory tree from the current working directory
// to find the module root (directory containing go.mod).
func findModuleRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// findSourceRoot returns the directory holding this source file.
func findSourceRoot() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	return filepath.Dir(file)
}

// nativeLibPaths lists candidate locations for lib (without extension),
// highest priority first. envFile names a full-path override, envDir a
// directory override.
func nativeLibPaths(lib, envFile, envDir string) []string {
	libName := lib + ".so"
	if runtime.GOOS == "darwin" {
		libName = lib + ".dylib"
	}

	var paths []string

	// Environment variable overrides (highest priority)
	if envPath := os.Getenv(envFile); envPath != "" {
		paths = append(paths, envPath)
	}
	if envPath := os.Getenv(envDir); envPath != "" {
		paths = append(paths, filepath.Join(envPath, libName))
	}

	// Search relative to executable location
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	var roots []string
	if wd, err := os.Getwd(); err == nil {
		roots = append(roots, wd, filepath.Join(wd, ".."), filepath.Join(wd, "..", ".."))
	}
	if root := findSourceRoot(); root != "" {
		roots = append(roots, root)
	}
	if root := findModuleRoot(); root != "" {
		roots = append(roots, root)
	}
	for _, root := range roots {
		paths = append(paths,
			filepath.Join(root, "build", libName),
			filepath.Join(root, "build", "ffi", libName),
		)
	}

	// System paths (lowest priority)
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			filepath.Join("/usr/local/lib", libName),
			filepath.Join("/opt/homebrew/lib", libName),
		)
	case "linux":
		paths = append(paths,
			libName,
			filepath.Join("/usr/local/lib", libName),
			filepath.Join("/usr/lib", libName),
		)
	}
	return paths
}

// dlopenFirst opens the first loadable candidate and lets bind resolve its
// symbols.
func dlopenFirst(lib string, paths []string, bind func(handle uintptr) error) (uintptr, error) {
	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		if err := bindSymbols(handle, bind); err != nil {
			purego.Dlclose(handle)
			lastErr = err
			continue
		}
		return handle, nil
	}
	if lastErr != nil {
		return 0, fmt.Errorf("failed to load %s: %w", lib, lastErr)
	}
	return 0, errors.New(lib + " not found in any standard location")
}

// bindSymbols turns a RegisterLibFunc panic on a missing symbol into an error.
func bindSymbols(handle uintptr, bind func(uintptr) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("missing symbol: %v", r)
		}
	}()
	return bind(handle)
}
