package cgi

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
)

// LaunchSpec describes a child process to start.
type LaunchSpec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Process is a running child with the parent's ends of its three pipes.
// Stdin is a write end, Stdout and Stderr are read ends; all are owned by the caller.
type Process struct {
	PID    int
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	cmd    *exec.Cmd
	exited chan struct{}

	mu      sync.Mutex
	state   *os.ProcessState
	waitErr error

	// swept is set before exited closes when the group was killed while the
	// unreaped leader still reserved its ID.
	swept bool
}

// Launch starts the child and returns immediately; it does not wait for output.
// Failures are reported as spawn_error GatewayErrors.
func Launch(spec LaunchSpec) (*Process, error) {
	path, err := resolveExecutable(spec.Path)
	if err != nil {
		return nil, domain.ErrSpawn(spec.Path, err)
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, domain.ErrSpawn(path, fmt.Errorf("stdin pipe: %w", err))
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, domain.ErrSpawn(path, fmt.Errorf("stdout pipe: %w", err))
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, domain.ErrSpawn(path, fmt.Errorf("stderr pipe: %w", err))
	}

	cmd := &exec.Cmd{
		Path:        path,
		Args:        append([]string{path}, spec.Args...),
		Env:         spec.Env,
		Dir:         spec.Dir,
		Stdin:       stdinR,
		Stdout:      stdoutW,
		Stderr:      stderrW,
		SysProcAttr: sysProcAttr(),
	}

	startErr := cmd.Start()

	// The child holds its own copies now; the parent keeps only its ends.
	closeAll(stdinR, stdoutW, stderrW)

	if startErr != nil {
		closeAll(stdinW, stdoutR, stderrR)
		return nil, domain.ErrSpawn(path, startErr)
	}

	p := &Process{
		PID:    cmd.Process.Pid,
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: stderrR,
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	if awaitExit(p.PID) {
		// Descendants may outlive the leader while holding pipe ends. The
		// exited leader is not reaped yet, so its group ID is still reserved.
		_ = killGroup(p.PID)
		p.mu.Lock()
		p.swept = true
		err := p.cmd.Wait()
		p.state, p.waitErr = p.cmd.ProcessState, err
		p.mu.Unlock()
	} else {
		err := p.cmd.Wait()
		p.mu.Lock()
		p.state, p.waitErr = p.cmd.ProcessState, err
		p.mu.Unlock()
	}
	close(p.exited)
}

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode returns the exit status, or -1 if the child was killed by a
// signal or has not been reaped yet.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return -1
	}
	return p.state.ExitCode()
}

// Kill terminates the child and every process in its group.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != nil {
		if p.swept {
			return nil
		}
		// the leader is gone but descendants may still hold the pipes
		return killGroup(p.PID)
	}
	err := killGroup(p.PID)
	if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) && err == nil {
		err = kerr
	}
	return err
}

// sweep kills whatever is left of the group after the leader was reaped.
// A group swept before reaping is left alone, since its ID may have been
// recycled by now.
func (p *Process) sweep() error {
	<-p.exited
	if p.swept {
		return nil
	}
	return killGroup(p.PID)
}

func resolveExecutable(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty executable path")
	}
	if !filepath.IsAbs(path) && filepath.Base(path) == path {
		found, err := exec.LookPath(path)
		if err != nil {
			return "", err
		}
		path = found
	}

	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if fi.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if !isExecutable(fi) {
		return "", fmt.Errorf("%s is not executable", path)
	}
	return path, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
