package stdio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Dial starts command as a child process and returns a Conn speaking to it
// over the child's stdin and stdout. The child's stderr is forwarded to the
// writer set with WithStderr (os.Stderr by default).
//
// ctx bounds process startup only; use Close to stop the child. Close first
// closes the child's stdin, then waits up to the terminate timeout for it to
// exit before killing it.
func Dial(ctx context.Context, command string, args []string, opts ...Option) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}
	o := applyOptions(opts)

	cmd := exec.Command(command, args...)
	cmd.Stderr = o.stderr
	cmd.Dir = o.dir
	if len(o.env) > 0 {
		cmd.Env = append(os.Environ(), o.env...)
	}

	// Wait runs concurrently with the read loop and must not close outR.
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		_ = inW.Close()
		return nil, &TransportError{Op: "open", Err: err}
	}
	cmd.Stdin = inR
	cmd.Stdout = outW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{inR, inW, outR, outW} {
			_ = f.Close()
		}
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("start %s: %w", command, err)}
	}
	_ = inR.Close()
	_ = outW.Close()

	log := o.l.With(slog.String("command", command), slog.Int("pid", cmd.Process.Pid))
	log.Debug("stdio.dial.started")

	p := &process{cmd: cmd, exited: make(chan struct{}), timeout: o.terminateTimeout, log: log}
	go p.wait()

	release := func() error {
		err := inW.Close()
		p.stop()
		return errors.Join(err, outR.Close())
	}
	return newConn(outR, inW, release, o), nil
}

type process struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
	timeout time.Duration
	log     *slog.Logger
}

func (p *process) wait() {
	p.waitErr = p.cmd.Wait()
	if p.waitErr != nil {
		p.log.Debug("stdio.dial.exited", slog.String("err", p.waitErr.Error()))
	} else {
		p.log.Debug("stdio.dial.exited")
	}
	close(p.exited)
}

// stop waits for the child to exit after its stdin was closed, killing it
// once the terminate timeout elapses.
func (p *process) stop() {
	t := time.NewTimer(p.timeout)
	defer t.Stop()
	select {
	case <-p.exited:
		return
	case <-t.C:
	}
	p.log.Warn("stdio.dial.kill", slog.Duration("after", p.timeout))
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Warn("stdio.dial.kill_fail", slog.String("err", err.Error()))
	}
	<-p.exited
}
