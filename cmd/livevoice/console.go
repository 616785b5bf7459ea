package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/medilearn/livevoice/internal/app"
	"github.com/medilearn/livevoice/internal/health"
)

// sessionControl is the part of [app.SessionManager] the console drives.
type sessionControl interface {
	Start(ctx context.Context, persona string) (app.SessionInfo, error)
	Stop(ctx context.Context) error
	IsActive() bool
	Status() health.Status
}

const consoleHelp = `commands:
  <Enter>          start a session, or stop the running one
  start [persona]  start a session
  stop             stop the running session
  status           show the session state
  quit             exit`

// runConsole reads commands from in until it is exhausted, ctx is done or
// the user quits. Starts run in the background so that Enter or "stop" can
// abort a connect in progress.
func runConsole(ctx context.Context, sc sessionControl, in io.Reader, out io.Writer, quit func()) {
	var wg sync.WaitGroup
	defer wg.Wait()

	start := func(persona string) {
		wg.Go(func() {
			// Start reports failures on the console itself.
			if _, err := sc.Start(ctx, persona); err != nil {
				slog.Debug("console: start failed", "err", err)
			}
		})
	}
	stop := func() {
		if err := sc.Stop(ctx); err != nil {
			if errors.Is(err, app.ErrNotActive) {
				fmt.Fprintln(out, "[no active session]")
				return
			}
			slog.Warn("console: stop failed", "err", err)
		}
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(in)
		for s.Scan() {
			select {
			case lines <- s.Text():
			case <-readCtx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch cmd {
		case "":
			if sc.IsActive() {
				stop()
			} else {
				start("")
			}
		case "start":
			start(strings.TrimSpace(arg))
		case "stop":
			stop()
		case "status":
			st := sc.Status()
			fmt.Fprintf(out, "[%s", st.State)
			if st.SessionID != "" {
				fmt.Fprintf(out, " session=%s persona=%s entries=%d", st.SessionID, st.Persona, st.TranscriptEntries)
			}
			if st.Error != "" {
				fmt.Fprintf(out, " error=%q", st.Error)
			}
			fmt.Fprintln(out, "]")
		case "quit", "exit":
			quit()
			return
		default:
			fmt.Fprintln(out, consoleHelp)
		}
	}
}
