package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// Pipe speaks JSON-RPC over a byte stream such as a child process's stdio or
// a unix-domain IPC socket. Outbound frames are newline-terminated; inbound
// values are read with a streaming decoder, so the peer need not use newlines.
type Pipe struct {
	*Mux
	wire *pipeWire
}

type pipeWire struct {
	r       io.Reader
	w       io.WriteCloser
	writeMu sync.Mutex
}

// NewPipe reads frames from r and writes them to w. Pipes are always local.
func NewPipe(r io.Reader, w io.WriteCloser, opts ...Option) *Pipe {
	o := newOptions(opts)
	pw := &pipeWire{r: r, w: w}
	p := &Pipe{
		Mux:  newMux(pw, true, o),
		wire: pw,
	}
	go p.readLoop()
	return p
}

// StartProcess runs name with args and talks to it over its stdin/stdout.
// The process is reaped once the connection ends; Close closes its stdin.
func StartProcess(ctx context.Context, name string, args []string, opts ...Option) (*Pipe, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &TransportError{Op: "start " + name, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &TransportError{Op: "start " + name, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &TransportError{Op: "start " + name, Err: err}
	}

	p := NewPipe(stdout, stdin, opts...)
	go func() {
		<-p.Done()
		if err := cmd.Wait(); err != nil {
			p.logger.Debug("process exited", slog.String("name", name), slog.String("error", err.Error()))
		}
	}()
	return p, nil
}

func (p *Pipe) readLoop() {
	dec := json.NewDecoder(p.wire.r)
	for {
		var frame json.RawMessage
		if err := dec.Decode(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				p.logger.Warn("pipe stream corrupted", slog.String("error", err.Error()))
			}
			p.Fail(err)
			return
		}
		p.HandleFrame(frame)
	}
}

func (w *pipeWire) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line := make([]byte, 0, len(frame)+1)
	line = append(line, frame...)
	line = append(line, '\n')

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_, err := w.w.Write(line)
	return err
}

func (w *pipeWire) Close() error {
	err := w.w.Close()
	if rc, ok := w.r.(io.Closer); ok {
		if cerr := rc.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
