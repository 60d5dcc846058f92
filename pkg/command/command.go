// Package command implements the line-oriented control protocol spoken
// over the serial port. Commands are single lines; binary record
// downloads are framed by START and END marker lines.
package command

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/goadc/pkg/capture"
	"github.com/itohio/goadc/pkg/store"
)

// Commander parses commands from a stream and drives the capture session
// and the record store.
type Commander struct {
	session *capture.Session
	store   *store.Store
	logger  *zap.Logger
}

func NewCommander(session *capture.Session, st *store.Store, logger *zap.Logger) *Commander {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Commander{
		session: session,
		store:   st,
		logger:  logger,
	}
}

// Run reads commands from rw until EOF, a read error, or ctx
// cancellation between commands. Responses are written back to rw.
func (c *Commander) Run(ctx context.Context, rw io.ReadWriter) error {
	scanner := bufio.NewScanner(rw)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.logger.Debug("command received", zap.String("line", line))
		c.dispatch(rw, line)
	}
	return scanner.Err()
}

func (c *Commander) dispatch(w io.Writer, line string) {
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	var err error
	switch cmd {
	case "COLLECT":
		err = c.collect(w, args)
	case "LIST":
		err = c.list(w)
	case "DOWNLOAD":
		err = c.download(w, args)
	case "DELETE":
		err = c.delete(w, args)
	case "VERIFY":
		err = c.verify(w, args)
	case "CANCEL":
		c.session.Cancel()
		fmt.Fprintln(w, "OK")
	case "STATUS":
		err = c.status(w)
	case "HELP":
		c.help(w)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintf(w, "ERROR: %v\n", err)
	}
}

// collect starts a capture. Duration is in whole seconds; the filtered
// stream is stored unless RAW is given.
func (c *Commander) collect(w io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: COLLECT <seconds> [RAW]")
	}
	secs, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad duration %q", args[0])
	}
	filtered := true
	if len(args) > 1 {
		if strings.ToUpper(args[1]) != "RAW" {
			return fmt.Errorf("unknown option %q", args[1])
		}
		filtered = false
	}

	if err := c.session.Start(time.Duration(secs)*time.Second, filtered); err != nil {
		return err
	}
	fmt.Fprintf(w, "OK COLLECTING %d\n", secs)
	return nil
}

func (c *Commander) list(w io.Writer) error {
	for _, info := range c.store.List() {
		if !info.Occupied {
			fmt.Fprintf(w, "SLOT %d EMPTY\n", info.Slot)
			continue
		}
		state := "OK"
		if !info.Valid {
			state = "CORRUPT"
		}
		kind := "RAW"
		if info.HasFiltered {
			kind = "RAW+FILTERED"
		}
		fmt.Fprintf(w, "SLOT %d %s %d samples %s ts=%d %d bytes\n",
			info.Slot, state, info.SampleCount, kind, info.Timestamp, info.SizeBytes)
	}
	fmt.Fprintf(w, "OK %d/%d\n", c.store.Count(), store.SlotCount)
	return nil
}

// download streams a record: a START line with the byte count, then the
// header, raw and filtered payloads verbatim, then an END line.
func (c *Commander) download(w io.Writer, args []string) error {
	slot, err := slotArg(args)
	if err != nil {
		return err
	}
	rec, err := c.store.Read(slot)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "START %d\n", rec.TotalBytes())
	for _, chunk := range [][]byte{rec.HeaderBytes(), rec.RawBytes(), rec.FilteredBytes()} {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("download slot %d: %w", slot, err)
		}
	}
	fmt.Fprintln(w, "END")
	c.logger.Info("record downloaded", zap.Int("slot", slot), zap.Int("bytes", rec.TotalBytes()))
	return nil
}

func (c *Commander) delete(w io.Writer, args []string) error {
	if len(args) == 1 && strings.ToUpper(args[0]) == "ALL" {
		if err := c.store.DeleteAll(); err != nil {
			return err
		}
		fmt.Fprintln(w, "OK")
		return nil
	}
	slot, err := slotArg(args)
	if err != nil {
		return err
	}
	if err := c.store.Delete(slot); err != nil {
		return err
	}
	fmt.Fprintln(w, "OK")
	return nil
}

func (c *Commander) verify(w io.Writer, args []string) error {
	slot, err := slotArg(args)
	if err != nil {
		return err
	}
	if err := c.store.Verify(slot); err != nil {
		return err
	}
	fmt.Fprintf(w, "OK SLOT %d VALID\n", slot)
	return nil
}

func (c *Commander) status(w io.Writer) error {
	state := c.session.State()
	fmt.Fprintf(w, "STATE %s\n", state)
	if state == capture.Collecting {
		collected, target := c.session.Progress()
		fmt.Fprintf(w, "PROGRESS %d/%d (%d%%)\n", collected, target, c.session.Percent())
	}
	if slot := c.session.LastSlot(); slot >= 0 {
		fmt.Fprintf(w, "LAST SLOT %d\n", slot)
	}
	fmt.Fprintf(w, "SLOTS %d/%d\n", c.store.Count(), store.SlotCount)
	return nil
}

func (c *Commander) help(w io.Writer) {
	fmt.Fprintln(w, "COLLECT <seconds> [RAW]  start a capture")
	fmt.Fprintln(w, "CANCEL                   abandon the active capture")
	fmt.Fprintln(w, "LIST                     list stored records")
	fmt.Fprintln(w, "DOWNLOAD <slot>          stream a record")
	fmt.Fprintln(w, "DELETE <slot>|ALL        free slots")
	fmt.Fprintln(w, "VERIFY <slot>            check record integrity")
	fmt.Fprintln(w, "STATUS                   report state")
}

func slotArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected a slot number")
	}
	slot, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("bad slot %q", args[0])
	}
	return slot, nil
}
