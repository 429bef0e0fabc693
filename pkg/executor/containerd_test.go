package executor

import (
	"syscall"
	"testing"

	"github.com/cuemby/swarmfuzz/pkg/feedback"
	"github.com/stretchr/testify/assert"
)

func TestExitKindFromCode(t *testing.T) {
	tests := []struct {
		name string
		code uint32
		want feedback.ExitKind
	}{
		{"clean exit", 0, feedback.ExitOk},
		{"nonzero status", 1, feedback.ExitCrash},
		{"sigsegv", 128 + uint32(syscall.SIGSEGV), feedback.ExitCrash},
		{"sigabrt", 128 + uint32(syscall.SIGABRT), feedback.ExitCrash},
		{"unrecognized high signal", 128 + 63, feedback.ExitCrash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitKindFromCode(tt.code))
		})
	}
}
