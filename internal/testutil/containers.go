// Package testutil starts throwaway backing services for integration tests.
//
// Containers are started lazily, once per test binary, and shared by every
// test that asks for them. Call Terminate from TestMain to stop them; Ryuk
// reaps anything left behind.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

var (
	mu      sync.Mutex
	started []testcontainers.Container
)

func register(c testcontainers.Container) {
	mu.Lock()
	defer mu.Unlock()
	started = append(started, c)
}

func skipShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}

// Terminate stops every container started by this package.
func Terminate() {
	mu.Lock()
	defer mu.Unlock()
	for _, c := range started {
		_ = c.Terminate(context.Background())
	}
	started = nil
}
