//go:build !darwin

package main

import (
	"context"

	"github.com/cuemby/swarmfuzz/pkg/executor"
)

// ensureContainerdSocket is a no-op outside macOS: Linux hosts are expected
// to run containerd natively at Config.SocketPath's default.
func ensureContainerdSocket(_ context.Context, _ string, _ *executor.Config) (stop func(), err error) {
	return func() {}, nil
}
