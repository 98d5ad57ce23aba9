// Package profiling wires the --profile-* CLI flags to runtime/pprof.
package profiling

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// Flags name the output files; empty disables that profile.
type Flags struct {
	CPU   string
	Mem   string
	Trace string
}

// Enabled reports whether any profile was requested.
func (f Flags) Enabled() bool {
	return f.CPU != "" || f.Mem != "" || f.Trace != ""
}

// Session is a set of profiles running for the lifetime of a command.
type Session struct {
	flags     Flags
	cpuFile   *os.File
	traceFile *os.File
}

// Start begins CPU profiling and tracing as requested. On error nothing is
// left running.
func Start(flags Flags) (*Session, error) {
	s := &Session{flags: flags}

	if flags.CPU != "" {
		f, err := os.Create(flags.CPU)
		if err != nil {
			return nil, fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to start CPU profile: %w", err)
		}
		s.cpuFile = f
	}

	if flags.Trace != "" {
		f, err := os.Create(flags.Trace)
		if err == nil {
			err = trace.Start(f)
			if err != nil {
				_ = f.Close()
			}
		}
		if err != nil {
			s.stopCPU()
			return nil, fmt.Errorf("failed to start trace: %w", err)
		}
		s.traceFile = f
	}

	return s, nil
}

func (s *Session) stopCPU() {
	if s.cpuFile != nil {
		pprof.StopCPUProfile()
		_ = s.cpuFile.Close()
		s.cpuFile = nil
	}
}

// Stop ends CPU profiling and tracing, then writes the heap profile if one
// was requested. Safe to call more than once.
func (s *Session) Stop() error {
	if s == nil {
		return nil
	}
	s.stopCPU()
	if s.traceFile != nil {
		trace.Stop()
		_ = s.traceFile.Close()
		s.traceFile = nil
	}
	if s.flags.Mem == "" {
		return nil
	}
	path := s.flags.Mem
	s.flags.Mem = ""
	return WriteHeap(path)
}

// WriteHeap writes a heap profile after forcing a collection.
func WriteHeap(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create heap profile file: %w", err)
	}
	defer func() { err = errors.Join(err, f.Close()) }()

	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write heap profile: %w", err)
	}
	return nil
}
