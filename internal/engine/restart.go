package engine

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Environment markers used to hand the listening socket across an exec.
const (
	envInheritFD = "TOOLBRIDGE_INHERIT_FD"
	envListenFD  = "TOOLBRIDGE_FD"
)

// Restarter hands the listening socket to a freshly exec'd copy of the
// server so restarts do not drop the port.
type Restarter struct {
	Listener net.Listener
	Args     []string
	Env      []string
}

func (r *Restarter) Restart() error {
	if r.Listener == nil {
		return fmt.Errorf("listener not set")
	}
	if len(r.Args) == 0 {
		return fmt.Errorf("args not set")
	}
	file, err := listenerFile(r.Listener)
	if err != nil {
		return err
	}

	cmd := exec.Command(r.Args[0], r.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = handoffEnv(r.Env)
	cmd.ExtraFiles = []*os.File{file}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start new process: %w", err)
	}
	return nil
}

// handoffEnv copies base, drops any handoff markers this process itself
// inherited, and sets fresh ones pointing at fd 3.
func handoffEnv(base []string) []string {
	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, envInheritFD+"=") || strings.HasPrefix(kv, envListenFD+"=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, envInheritFD+"=1", envListenFD+"=3")
}

func listenerFile(listener net.Listener) (*os.File, error) {
	switch ln := listener.(type) {
	case *net.TCPListener:
		file, err := ln.File()
		if err != nil {
			return nil, fmt.Errorf("listener file: %w", err)
		}
		return file, nil
	default:
		return nil, fmt.Errorf("unsupported listener type %T", listener)
	}
}

// ListenerFromEnv recovers the inherited listener in a restarted process.
// Returns (nil, nil) when no fd was handed down.
func ListenerFromEnv() (net.Listener, error) {
	if os.Getenv(envInheritFD) != "1" {
		return nil, nil
	}
	fdStr := os.Getenv(envListenFD)
	if fdStr == "" {
		fdStr = "3"
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listener fd: %w", err)
	}
	file := os.NewFile(uintptr(fd), "listener")
	if file == nil {
		return nil, fmt.Errorf("failed to create listener file")
	}
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}
