//go:build darwin

package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/lima-vm/lima/pkg/instance"
	"github.com/lima-vm/lima/pkg/limayaml"
	"github.com/lima-vm/lima/pkg/store"
	"github.com/rs/zerolog"
)

// limaInstanceName isolates swarmfuzz's VM from any other Lima instance on
// the host.
const limaInstanceName = "swarmfuzz"

// LimaSandbox stands up a Lima VM running containerd, so
// NewContainerdExecutor has a socket to dial on macOS, which has no native
// containerd daemon.
type LimaSandbox struct {
	instance *store.Instance
	dataDir  string
	log      zerolog.Logger
}

// NewLimaSandbox returns a sandbox manager rooted at dataDir, mounted into
// the VM so harness corpora survive VM restarts.
func NewLimaSandbox(dataDir string, log zerolog.Logger) *LimaSandbox {
	return &LimaSandbox{dataDir: dataDir, log: log.With().Str("component", "lima-sandbox").Logger()}
}

// Start creates (if needed) and starts the Lima VM, waiting until its
// containerd socket is reachable.
func (s *LimaSandbox) Start(ctx context.Context) error {
	if _, err := exec.LookPath("limactl"); err != nil {
		return fmt.Errorf("executor: Lima is not installed (brew install lima): %w", err)
	}

	inst, err := store.Inspect(limaInstanceName)
	if err != nil {
		s.log.Info().Msg("creating swarmfuzz Lima instance")
		if err := s.createInstance(ctx); err != nil {
			return fmt.Errorf("executor: create Lima instance: %w", err)
		}
		inst, err = store.Inspect(limaInstanceName)
		if err != nil {
			return fmt.Errorf("executor: inspect newly created Lima instance: %w", err)
		}
	}
	s.instance = inst

	if inst.Status != store.StatusRunning {
		s.log.Info().Msg("starting Lima instance")
		if err := instance.Start(ctx, inst, "", false); err != nil {
			return fmt.Errorf("executor: start Lima instance: %w", err)
		}
	}
	return s.waitForSocket(ctx)
}

// Stop stops the VM, trying a graceful shutdown before forcing one.
func (s *LimaSandbox) Stop(ctx context.Context) error {
	if s.instance == nil {
		return nil
	}
	if err := instance.StopGracefully(ctx, s.instance, false); err != nil {
		s.log.Warn().Err(err).Msg("graceful Lima stop failed, forcing")
		instance.StopForcibly(s.instance)
	}
	return nil
}

// SocketPath returns the host-side path to the VM's forwarded containerd
// socket, suitable for Config.SocketPath.
func (s *LimaSandbox) SocketPath() string {
	limaHome := os.Getenv("LIMA_HOME")
	if limaHome == "" {
		home, _ := os.UserHomeDir()
		limaHome = filepath.Join(home, ".lima")
	}
	return filepath.Join(limaHome, limaInstanceName, "sock", "containerd.sock")
}

func (s *LimaSandbox) createInstance(ctx context.Context) error {
	cfg := s.limaConfig()
	configYAML, err := limayaml.Marshal(&cfg, false)
	if err != nil {
		return fmt.Errorf("marshal Lima config: %w", err)
	}
	_, err = instance.Create(ctx, limaInstanceName, configYAML, false)
	return err
}

func (s *LimaSandbox) limaConfig() limayaml.LimaYAML {
	arch := limayaml.AARCH64
	if runtime.GOARCH == "amd64" {
		arch = limayaml.X8664
	}
	cpus := 4
	memory := "4GiB"
	disk := "20GiB"
	containerdSystem := true

	return limayaml.LimaYAML{
		Arch:       &arch,
		CPUs:       &cpus,
		Memory:     &memory,
		Disk:       &disk,
		Containerd: limayaml.Containerd{System: &containerdSystem},
		Images: []limayaml.Image{
			{File: limayaml.File{Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-aarch64.iso", Arch: limayaml.AARCH64}},
			{File: limayaml.File{Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-x86_64.iso", Arch: limayaml.X8664}},
		},
		Mounts: []limayaml.Mount{{Location: s.dataDir, Writable: boolPtr(true)}},
		Provision: []limayaml.Provision{{
			Mode:   limayaml.ProvisionModeSystem,
			Script: "#!/bin/sh\nset -eux -o pipefail\nif ! command -v containerd > /dev/null; then\n  apk add containerd\nfi\nrc-update add containerd default\nrc-service containerd start || true",
		}},
		Message: "swarmfuzz sandbox VM - ready to run harness containers",
	}
}

func boolPtr(b bool) *bool { return &b }

func (s *LimaSandbox) waitForSocket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for Lima VM's containerd socket")
		case <-ticker.C:
			if _, err := os.Stat(s.SocketPath()); err == nil {
				s.log.Info().Str("socket", s.SocketPath()).Msg("Lima containerd socket ready")
				return nil
			}
		}
	}
}
