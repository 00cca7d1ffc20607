package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/devit-sh/devit-mcpd/internal/watchdog"
)

func defaultStderr() io.Writer { return os.Stderr }

// Handler is implemented by internal/broker.Server. The loop owns framing
// and timing; the handler owns policy, approval, sandbox, and journal
// decisions for one dispatched request.
type Handler interface {
	MaxFrameBytes() int
	Dispatch(ctx context.Context, req Request) Response
	WatchdogDeadline() (time.Time, bool)
	OnWatchdogTrip()
}

// Loop drives the lifetime of one session: single-threaded cooperative
// read/dispatch/respond, plus a timer-driven watchdog check that fires
// even while idly waiting on stdin (spec.md §8's "exits within 1.2s of
// the first frame" boundary behavior requires a real timer, not a
// check-only-between-frames poll).
type Loop struct {
	h Handler

	mu sync.Mutex // protects w; mirrors the teacher's single-writer mutex
	w  io.Writer
}

// NewLoop builds a Loop around h.
func NewLoop(h Handler) *Loop {
	return &Loop{h: h}
}

// ExitCode values match spec.md §6: 0 clean shutdown, 2 watchdog or fatal
// init, 64 bad usage. The loop itself only ever returns 0 or 2.
type ExitCode int

// Run reads frames from r, dispatches them through the handler, and
// writes responses to w until EOF (exit 0) or the watchdog trips
// (exit 2). ctx cancellation also ends the loop with exit 0.
func (l *Loop) Run(ctx context.Context, r io.Reader, w io.Writer) ExitCode {
	l.w = w

	lines := make(chan []byte)
	scanErrCh := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErrCh <- scanner.Err()
	}()

	var watchdogTimer *time.Timer
	var watchdogCh <-chan time.Time
	if deadline, enabled := l.h.WatchdogDeadline(); enabled {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		watchdogTimer = time.NewTimer(d)
		watchdogCh = watchdogTimer.C
		defer watchdogTimer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return 0

		case <-watchdogCh:
			l.h.OnWatchdogTrip()
			fmt.Fprintln(ioStderr, "max runtime exceeded")
			return 2

		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if len(line) == 0 {
				continue
			}
			resp, tripped := l.dispatchLine(ctx, line, watchdogCh)
			if tripped {
				fmt.Fprintln(ioStderr, "max runtime exceeded")
				return 2
			}
			if resp != nil {
				if err := l.writeResponse(w, *resp); err != nil {
					return 2
				}
			}
		}
	}
}

// ioStderr is a package-level indirection purely so tests can't
// accidentally write to the real process stderr; production callers get
// os.Stderr via SetStderr in cmd/devit-mcpd's wiring.
var ioStderr io.Writer = defaultStderr()

// SetStderr overrides where the watchdog's "max runtime exceeded" line is
// written. Broker construction calls this once at startup.
func SetStderr(w io.Writer) { ioStderr = w }

// parseLine validates frame size and JSON syntax before a request ever
// reaches Dispatch. A non-nil Response here means the frame was rejected
// without a dispatch.
func (l *Loop) parseLine(line []byte) (Request, *Response) {
	if max := l.h.MaxFrameBytes(); max > 0 && len(line) > max {
		resp := Fail("", NewTaggedError("oversized_request", map[string]interface{}{
			"limit_kb": max / 1024,
		}))
		return Request{}, &resp
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		offset := 0
		if se, ok := err.(*json.SyntaxError); ok {
			offset = int(se.Offset)
		}
		resp := Fail("", NewTaggedError("invalid_json", map[string]interface{}{
			"length": len(line),
			"offset": offset,
		}))
		return Request{}, &resp
	}
	return req, nil
}

// dispatchLine runs one request's Dispatch on its own goroutine so a
// watchdog trip mid-dispatch can still be observed here rather than only
// between frames. On a trip, the dispatch context is canceled (propagating
// into the sandbox's own graceful-then-forced kill path) and the call is
// given watchdog.GracePeriod to return before this loop gives up on it and
// reports tripped=true regardless (spec.md §4.8).
func (l *Loop) dispatchLine(ctx context.Context, line []byte, watchdogCh <-chan time.Time) (*Response, bool) {
	req, rejected := l.parseLine(line)
	if rejected != nil {
		return rejected, false
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan Response, 1)
	go func() {
		done <- l.h.Dispatch(dctx, req)
	}()

	select {
	case resp := <-done:
		return &resp, false
	case <-watchdogCh:
		l.h.OnWatchdogTrip()
		cancel()
		select {
		case <-done:
		case <-time.After(watchdog.GracePeriod):
		}
		return nil, true
	}
}

func (l *Loop) writeResponse(w io.Writer, resp Response) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
