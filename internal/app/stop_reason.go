package app

import (
	"os"
	"syscall"

	"daisysrv/internal/runtime/lifecycle"
)

type StopReason = lifecycle.StopReason

const (
	StopUnknown      = lifecycle.StopUnknown
	StopSIGINT       = lifecycle.StopSIGINT
	StopSIGTERM      = lifecycle.StopSIGTERM
	StopFatalError   = lifecycle.StopFatalError
	StopAppStop      = lifecycle.StopAppStop
	StopConfigReload = lifecycle.StopConfigReload
)

// StopReasonFor maps a received signal to a stop reason.
func StopReasonFor(sig os.Signal) StopReason {
	switch sig {
	case os.Interrupt:
		return StopSIGINT
	case syscall.SIGTERM:
		return StopSIGTERM
	case nil:
		return StopAppStop
	default:
		return StopUnknown
	}
}
