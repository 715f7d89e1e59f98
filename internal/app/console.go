package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/billvoice/internal/chat"
	"github.com/MrWong99/billvoice/internal/transcript"
)

const consoleHelp = `commands:
  /text       switch to text mode
  /realtime   switch to realtime voice and start talking
  /dictate    switch to dictation and start recording
  /start      start voice input in the current mode
  /stop       stop voice input
  /done       finish the dictation and send it
  /status     show mode and status
  /bill       show the extracted bill fields
  /history    show this session's transcript
  /quit       exit
anything else is sent as a text message`

// Console is the interactive front end: it reads commands and messages
// line by line and prints conversation changes as they happen.
type Console struct {
	ctrl      *Controller
	store     transcript.Store
	sessionID string

	in  io.Reader
	mu  sync.Mutex
	out io.Writer
}

// NewConsole returns a Console reading from in and writing to out. store
// may be nil, in which case /history lists the in-memory messages.
func NewConsole(ctrl *Controller, store transcript.Store, sessionID string, in io.Reader, out io.Writer) *Console {
	return &Console{ctrl: ctrl, store: store, sessionID: sessionID, in: in, out: out}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Run processes input until /quit, end of input, or ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsubscribe := c.ctrl.State().Subscribe(c.onChange)
	defer unsubscribe()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	c.printf("billvoice ready; /help lists commands\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("app: read console: %w", err)
					}
				default:
				}
				return nil
			}
			if quit := c.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the console should exit.
func (c *Console) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := c.ctrl.Send(ctx, line); err != nil && !errors.Is(err, ErrEmptyMessage) {
			if errors.Is(err, ErrWrongMode) {
				c.printf("! typing is not available in realtime mode; use /text\n")
			}
		}
		return false
	}

	var err error
	switch cmd := strings.Fields(line)[0]; cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.printf("%s\n", consoleHelp)
	case "/text":
		err = c.ctrl.SetMode(chat.ModeText)
	case "/realtime":
		err = c.ctrl.StartRealtime(ctx)
	case "/dictate":
		err = c.ctrl.StartDictation(ctx)
	case "/start":
		switch c.ctrl.State().Mode() {
		case chat.ModeRealtime:
			err = c.ctrl.StartRealtime(ctx)
		case chat.ModeDictation:
			err = c.ctrl.StartDictation(ctx)
		default:
			c.printf("! no voice input in text mode; use /realtime or /dictate\n")
		}
	case "/stop":
		switch c.ctrl.State().Mode() {
		case chat.ModeRealtime:
			err = c.ctrl.StopRealtime()
		case chat.ModeDictation:
			c.ctrl.CancelDictation()
		}
	case "/done":
		_, err = c.ctrl.FinishDictation(ctx)
	case "/status":
		snap := c.ctrl.State().Snapshot()
		c.printf("mode: %s\nstatus: %s\nmessages: %d\n", snap.Mode, statusText(snap.Status), snap.Messages)
	case "/bill":
		c.printBill()
	case "/history":
		err = c.printHistory(ctx)
	default:
		c.printf("! unknown command %s; /help lists commands\n", cmd)
	}
	if err != nil {
		c.printf("! %v\n", err)
	}
	return false
}

// onChange prints conversation updates. It runs on the mutating goroutine.
func (c *Console) onChange(ch chat.Change) {
	switch ch.Kind {
	case chat.ChangeMessage:
		c.printf("%s: %s\n", ch.Message.Role, ch.Message.Text)
	case chat.ChangeStatus:
		c.printf("[%s]\n", statusText(ch.Status))
	case chat.ChangeMode:
		c.printf("[mode: %s]\n", ch.Mode)
	}
}

func (c *Console) printBill() {
	bill, missing := c.ctrl.State().Bill()
	if len(bill) == 0 {
		c.printf("no bill fields yet\n")
		return
	}
	keys := make([]string, 0, len(bill))
	for k := range bill {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %v\n", k, bill[k])
	}
	if len(missing) > 0 {
		fmt.Fprintf(&b, "  missing: %s\n", strings.Join(missing, ", "))
	}
	c.printf("%s", b.String())
}

func (c *Console) printHistory(ctx context.Context) error {
	if c.store == nil {
		for _, m := range c.ctrl.State().Messages() {
			c.printf("%s %s: %s\n", m.CreatedAt.Format("15:04:05"), m.Role, m.Text)
		}
		return nil
	}
	entries, err := c.store.Session(ctx, c.sessionID)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	for _, e := range entries {
		c.printf("%s %s (%s): %s\n", e.CreatedAt.Format("15:04:05"), e.Role, e.Mode, e.Text)
	}
	return nil
}

func statusText(s chat.Status) string {
	if t := s.String(); t != "" {
		return t
	}
	return "idle"
}
