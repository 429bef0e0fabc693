//go:build darwin

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cuemby/swarmfuzz/pkg/executor"
	"github.com/cuemby/swarmfuzz/pkg/log"
)

// ensureContainerdSocket starts the Lima sandbox VM when cfg carries no
// explicit socket path (macOS has no native containerd daemon to dial
// directly).
func ensureContainerdSocket(ctx context.Context, dataDir string, cfg *executor.Config) (stop func(), err error) {
	if cfg.SocketPath != "" {
		return func() {}, nil
	}
	sandbox := executor.NewLimaSandbox(filepath.Join(dataDir, "lima"), log.WithComponent("lima-sandbox"))
	if err := sandbox.Start(ctx); err != nil {
		return nil, fmt.Errorf("start Lima sandbox: %w", err)
	}
	cfg.SocketPath = sandbox.SocketPath()
	return func() { _ = sandbox.Stop(context.Background()) }, nil
}
