package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/openfroyo/provisioner/pkg/worker/protocol"
)

// Version is reported in READY messages.
var Version = "dev"

// Serve speaks the stdio protocol: it announces READY, runs each CMD in
// turn and answers with DONE or ERROR. It returns when in is closed, ctx
// ends or idle passes without a command, after writing EXIT.
func (r *Runner) Serve(ctx context.Context, in io.Reader, out io.Writer, idle time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	enc := protocol.NewEncoder(out)
	dec := protocol.NewDecoder(in)

	if err := enc.EncodeReady(&protocol.ReadyMessage{
		Version:  Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		WorkerID: r.cfg.WorkerID,
		Tools:    r.SupportedTools(),
	}); err != nil {
		return err
	}

	type decoded struct {
		msg *protocol.Message
		err error
	}
	next := make(chan decoded)
	go func() {
		for {
			msg, err := dec.Decode()
			select {
			case next <- decoded{msg, err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, protocol.ErrMalformedMessage) {
				return
			}
		}
	}()

	total := 0
	exit := func(reason string, code int, err error) error {
		_ = enc.EncodeExit(&protocol.ExitMessage{Reason: reason, ExitCode: code, CommandsTotal: total})
		return err
	}

	for {
		var idleC <-chan time.Time
		var timer *time.Timer
		if idle > 0 {
			timer = time.NewTimer(idle)
			idleC = timer.C
		}

		var d decoded
		select {
		case <-ctx.Done():
			return exit("cancelled", 0, nil)
		case <-idleC:
			return exit("idle_timeout", 0, nil)
		case d = <-next:
		}
		if timer != nil {
			timer.Stop()
		}

		if errors.Is(d.err, io.EOF) {
			return exit("stdin_closed", 0, nil)
		}
		if d.err != nil {
			if !errors.Is(d.err, protocol.ErrMalformedMessage) {
				return exit("read_error", 1, d.err)
			}
			_ = enc.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeInvalidCommand, Message: d.err.Error()})
			continue
		}
		if d.msg.Type != protocol.MessageTypeCommand {
			_ = enc.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeInvalidCommand, Message: "expected CMD message, got " + string(d.msg.Type)})
			continue
		}

		total++
		if err := r.serveCommand(ctx, enc, d.msg); err != nil {
			return exit("error", 1, err)
		}
	}
}

func (r *Runner) serveCommand(ctx context.Context, enc *protocol.Encoder, msg *protocol.Message) error {
	var cmd protocol.CommandMessage
	if err := protocol.ParseData(msg.Data, &cmd); err != nil {
		return enc.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeInvalidCommand, Message: err.Error()})
	}
	if err := cmd.Validate(); err != nil {
		return enc.EncodeError(&protocol.ErrorMessage{CommandID: cmd.ID, Code: protocol.CodeInvalidCommand, Message: err.Error()})
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	start := time.Now()
	result, err := r.Run(cmdCtx, cmd.ID, cmd.Request, func(level, line string) {
		_ = enc.EncodeEvent(&protocol.EventMessage{CommandID: cmd.ID, Level: level, Message: line})
	})
	if err != nil {
		code := protocol.CodeToolFailed
		var re *RunError
		if errors.As(err, &re) {
			code = re.Code
		}
		return enc.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      code,
			Message:   result.ErrorMessage,
			Retryable: code == protocol.CodeTimeout,
			Result:    &result,
		})
	}
	return enc.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  time.Since(start).Seconds(),
	})
}
