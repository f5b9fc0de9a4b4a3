package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/seance/internal/project"
	"github.com/MrWong99/seance/internal/seance"
	"github.com/MrWong99/seance/internal/transcript"
)

// ErrQuit is returned by [Console.Run] when the operator typed /quit.
var ErrQuit = errors.New("app: quit requested")

const consoleHelp = `commands:
  /stage <path> [intent]  offer a file with the next typed turn (intents: %s)
  /unstage                drop all staged files
  /file <path>            attach a file to the next microphone frame
  /file -                 drop the attached file before it is sent
  /reconnect              close the session and open a new one
  /status                 show the session state
  /help                   show this help
  /quit                   end the session
anything else is sent as a typed turn together with the staged files`

// Console is the line-oriented operator interface. It prints committed
// transcript entries and telemetry, and turns typed lines into session
// operations.
type Console struct {
	in io.Reader
	sm *SessionManager

	outMu sync.Mutex
	out   io.Writer

	staged []seance.StagedFile
}

// NewConsole creates a Console reading commands from in and writing to out.
func NewConsole(in io.Reader, out io.Writer, sm *SessionManager) *Console {
	return &Console{in: in, out: out, sm: sm}
}

// Run processes input lines until ctx is cancelled, the input ends, or the
// operator quits. It returns [ErrQuit] for /quit and nil at end of input.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	c.printf("the séance has begun. type /help for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("app: read console: %w", err)
			}
			return nil
		case line := <-lines:
			if err := c.Handle(ctx, line); err != nil {
				return err
			}
		}
	}
}

// Handle executes one input line. Only [ErrQuit] is returned; other failures
// are reported on the console.
func (c *Console) Handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		c.submit(line)
		return nil
	}

	cmd, args, _ := strings.Cut(line, " ")
	fields := strings.Fields(args)
	switch cmd {
	case "/quit", "/exit":
		return ErrQuit
	case "/help":
		names := make([]string, len(seance.Intents))
		for i, in := range seance.Intents {
			names[i] = string(in)
		}
		c.printf(consoleHelp, strings.Join(names, ", "))
	case "/stage":
		c.stage(fields)
	case "/unstage":
		c.staged = nil
		c.printf("staging cleared")
	case "/file":
		c.pending(fields)
	case "/reconnect":
		if err := c.sm.Restart(ctx); err != nil {
			c.printf("error: %v", err)
			return nil
		}
		c.printf("reconnected")
	case "/status":
		c.status()
	default:
		c.printf("unknown command %s, type /help", cmd)
	}
	return nil
}

func (c *Console) stage(args []string) {
	if len(args) == 0 || len(args) > 2 {
		c.printf("usage: /stage <path> [intent]")
		return
	}
	intent := ""
	if len(args) == 2 {
		intent = args[1]
	}
	in, err := seance.ParseIntent(intent)
	if err != nil {
		c.printf("error: %v", err)
		return
	}
	f, err := project.ReadFile(args[0])
	if err != nil {
		c.printf("error: %v", err)
		return
	}
	c.staged = append(c.staged, seance.StagedFile{Name: f.Name, Content: f.Content, Intent: in})
	c.printf("staged %s (%s), %d file(s) waiting", f.Name, in, len(c.staged))
}

func (c *Console) pending(args []string) {
	if len(args) != 1 {
		c.printf("usage: /file <path> | /file -")
		return
	}
	if args[0] == "-" {
		dropped, err := c.sm.ClearPendingFile()
		switch {
		case err != nil:
			c.printf("error: %v", err)
		case dropped:
			c.printf("attached file dropped")
		default:
			c.printf("no file attached")
		}
		return
	}
	f, err := project.ReadFile(args[0])
	if err != nil {
		c.printf("error: %v", err)
		return
	}
	if err := c.sm.SetPendingFile(f.Name, f.Content); err != nil {
		c.printf("error: %v", err)
		return
	}
	c.printf("%s will accompany your next words", f.Name)
}

func (c *Console) submit(question string) {
	if question == "" && len(c.staged) == 0 {
		return
	}
	display, err := c.sm.Submit(c.staged, question)
	if err != nil {
		c.printf("error: %v", err)
		return
	}
	if display == "" {
		c.printf("not delivered, the session is %s. staged files are kept", c.sm.State())
		return
	}
	c.staged = nil
}

func (c *Console) status() {
	info, ok := c.sm.Info()
	if !ok {
		c.printf("no session yet")
		return
	}
	c.printf("session %s: %s, %d project file(s), %d staged, started %s",
		info.SessionID, c.sm.State(), info.Files, len(c.staged), info.StartedAt.Format("15:04:05"))
}

// PrintEntry shows one committed transcript entry.
func (c *Console) PrintEntry(e transcript.Entry) {
	text := e.Content
	if e.Kind == transcript.Audio {
		text = "(speaks)"
	}
	c.printf("[%s] %s", e.Speaker, text)
}

// PrintLog shows one telemetry line.
func (c *Console) PrintLog(line string) {
	c.printf("  · %s", line)
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}
