// Package cli implements the interactive console and the event printer of
// the watch command.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"

	"github.com/livefeed-project/livefeed/internal/db"
	"github.com/livefeed-project/livefeed/internal/session"
	"github.com/livefeed-project/livefeed/internal/util"
)

// Controller is the session surface the console drives.
type Controller interface {
	Start(roomID int64) error
	Stop()
	Status() session.Status
}

// History reads session audit records.
type History interface {
	List(limit int) ([]db.Record, error)
}

// CLI is the interactive console.
type CLI struct {
	in       io.Reader
	out      io.Writer
	mu       *sync.Mutex
	ctrl     Controller
	history  History
	printer  *Printer
	shutdown func()
	logger   zerolog.Logger
}

// NewCLI creates a console. history and printer may be nil; shutdown is
// called by quit.
func NewCLI(in io.Reader, out io.Writer, ctrl Controller, history History, printer *Printer, shutdown func()) *CLI {
	mu := &sync.Mutex{}
	if printer != nil {
		mu = printer.mu
	}
	return &CLI{
		in:       in,
		out:      out,
		mu:       mu,
		ctrl:     ctrl,
		history:  history,
		printer:  printer,
		shutdown: shutdown,
		logger:   util.ComponentLogger("cli"),
	}
}

// Start reads commands until input ends, quit is entered or ctx is done.
func (c *CLI) Start(ctx context.Context) {
	c.printf("\nlivefeed console ready. Type 'help' for available commands.\n")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			quit, err := c.execute(strings.ToLower(parts[0]), parts[1:])
			if err != nil {
				c.printf("Error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}

// execute runs one command and reports whether the console should exit.
func (c *CLI) execute(cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "watch", "w":
		return false, c.cmdWatch(args)
	case "stop":
		c.ctrl.Stop()
		c.printf("stopped watching\n")
	case "status", "s":
		c.printStatus()
	case "history":
		return false, c.cmdHistory(args)
	case "mute", "unmute":
		if c.printer == nil {
			return false, fmt.Errorf("no event printer attached")
		}
		c.printer.SetMuted(cmd == "mute")
		c.printf("event output %sd\n", cmd)
	case "quit", "exit", "q":
		c.printf("shutting down...\n")
		if c.shutdown != nil {
			c.shutdown()
		}
		return true, nil
	default:
		c.printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	c.printf(`
Commands:
  watch <room_id>   Watch a room, replacing the current one
  stop              Stop watching
  status            Show the session status
  history [n]       Show the last n session records (default 20)
  mute | unmute     Hide or show chat, gift and entry lines
  quit              Shut livefeed down
  help              Show this help message

`)
}

func (c *CLI) cmdWatch(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: watch <room_id>")
	}
	roomID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || roomID <= 0 {
		return fmt.Errorf("invalid room id: %s", args[0])
	}
	if err := c.ctrl.Start(roomID); err != nil {
		return err
	}
	c.logger.Info().Int64("room_id", roomID).Msg("CLI: watching room")
	c.printf("watching room %d\n", roomID)
	return nil
}

func (c *CLI) printStatus() {
	st := c.ctrl.Status()

	rows := [][]string{
		{"Room", strconv.FormatInt(st.RoomID, 10)},
		{"State", st.State},
		{"Live", strconv.FormatBool(st.Live)},
		{"Attempt", strconv.Itoa(st.Attempt)},
		{"Relay", orDash(st.Relay)},
		{"Degraded", st.Degraded.String()},
		{"Popularity", strconv.FormatUint(uint64(st.Popularity), 10)},
		{"Events", strconv.FormatUint(st.Events, 10)},
		{"Run", orDash(st.RunID)},
	}
	if st.LiveSince != nil {
		rows = append(rows, []string{"Live for", time.Since(*st.LiveSince).Round(time.Second).String()})
	}
	if st.NextRetry != nil {
		rows = append(rows, []string{"Next retry", time.Until(*st.NextRetry).Round(time.Second).String()})
	}
	if st.LastError != "" {
		rows = append(rows, []string{"Last error", st.LastError})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Field", "Value"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.AppendBulk(rows)
	tw.Render()
}

func (c *CLI) cmdHistory(args []string) error {
	if c.history == nil {
		return fmt.Errorf("audit store is disabled")
	}
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	records, err := c.history.List(limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		c.printf("no session records\n")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Time", "Room", "Attempt", "Kind", "State", "Detail"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, r := range records {
		state := r.State
		if r.Kind == db.KindLiveness {
			state = "not live"
			if r.Live {
				state = "live"
			}
		}
		tw.Append([]string{
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			strconv.FormatInt(r.RoomID, 10),
			strconv.Itoa(r.Attempt),
			r.Kind,
			state,
			orDash(r.Detail),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
