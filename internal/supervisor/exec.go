package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// ExecSpawner forks workers by re-executing a binary.
type ExecSpawner struct {
	Path string
	Args []string
	// Env is appended to the supervisor's own environment.
	Env []string
	// IndexEnv names the variable that carries the slot index.
	IndexEnv string
	// Files are inherited by the child starting at descriptor 3.
	Files  []*os.File
	Stdout io.Writer
	Stderr io.Writer
}

// Spawn starts one worker process.
func (s ExecSpawner) Spawn(index int) (Process, error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	if s.IndexEnv != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", s.IndexEnv, index))
	}
	cmd.ExtraFiles = s.Files
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error                { return p.cmd.Wait() }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }
