// Interactive console: scan, connect, watch live state, save snapshots.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/evmotion/canble/ble"
	"github.com/evmotion/canble/cmd/canble/subcmd"
	"github.com/evmotion/canble/helpers/cli"
	"github.com/evmotion/canble/internal/persist"
	"github.com/evmotion/canble/internal/state"
	"github.com/evmotion/canble/log2"
	"github.com/evmotion/canble/tele"
	"github.com/juju/errors"
)

const modName = "cli"

var Mod = subcmd.Mod{Name: modName, Usage: "interactive console", Main: Main}

const usage = `commands:
- scan [sec]         discover devices, name_prefix filter applies
- devices            list discovered devices
- connect N|ADDR     connect device by list index or address
- disconnect
- state              live state and session status
- stat               session counters
- save               write snapshot now (same rules as periodic write)
- history [N] [since=7d] [before=TIME] [until=TIME]
                     written snapshots newest first, TIME is RFC3339,
                     before is paging cursor: pass oldest shown time
- csv PATH|-         export written snapshots as CSV
- log=yes|no         debug logging
- help
`

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	g.Log.Debugf("cli init complete")

	sh := NewShell(ctx, os.Stdout)
	cli.MainLoop(modName, func(line string) {
		if err := sh.Exec(line); err != nil {
			g.Log.Error(err)
		}
	}, newCompleter(), g.Stop)
	g.Stop()
	return nil
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "scan", Description: "discover devices"},
		{Text: "devices", Description: "list discovered devices"},
		{Text: "connect", Description: "connect N|ADDR"},
		{Text: "disconnect", Description: "close link"},
		{Text: "state", Description: "live state"},
		{Text: "stat", Description: "session counters"},
		{Text: "save", Description: "write snapshot now"},
		{Text: "history", Description: "written snapshots [N] [since=7d] [before=TIME]"},
		{Text: "csv", Description: "export snapshots"},
		{Text: "log=yes", Description: "enable debug logging"},
		{Text: "log=no", Description: "disable debug logging"},
		{Text: "help"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}

type Shell struct {
	ctx context.Context
	g   *state.Global
	out io.Writer
}

func NewShell(ctx context.Context, out io.Writer) *Shell {
	return &Shell{ctx: ctx, g: state.GetGlobal(ctx), out: out}
}

func (self *Shell) Exec(line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	cmd, args := words[0], words[1:]
	switch cmd {
	case "help", "?":
		fmt.Fprint(self.out, usage)
		return nil
	case "scan":
		return self.scan(args)
	case "devices":
		self.devices()
		return nil
	case "connect":
		return self.connect(args)
	case "disconnect":
		return self.g.Disconnect()
	case "state":
		self.state()
		return nil
	case "stat":
		fmt.Fprintf(self.out, "session %s\n", self.g.Session.Stat().String())
		if self.g.Outbox != nil {
			fmt.Fprintf(self.out, "outbox %+v\n", self.g.Outbox.Stat())
		}
		return nil
	case "save":
		return self.save()
	case "history":
		return self.history(args)
	case "csv":
		return self.csv(args)
	case "log=yes":
		self.g.Log.SetLevel(log2.LDebug)
		return nil
	case "log=no":
		self.g.Log.SetLevel(log2.LInfo)
		return nil
	}
	return errors.NotSupportedf("command=%s, try help", cmd)
}

func (self *Shell) scan(args []string) error {
	ctx := self.ctx
	if len(args) > 0 {
		sec, err := strconv.Atoi(args[0])
		if err != nil || sec <= 0 {
			return errors.NotValidf("scan sec=%s", args[0])
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(sec)*time.Second)
		defer cancel()
	}
	filter := ble.AnyDevice
	if p := self.g.Config.Ble.NamePrefix; p != "" {
		filter = ble.NamePrefix(p)
	}
	if err := <-self.g.Session.StartScan(ctx, filter); err != nil {
		return err
	}
	self.devices()
	return nil
}

func (self *Shell) devices() {
	list := self.g.Session.Devices()
	if len(list) == 0 {
		fmt.Fprintln(self.out, "no devices, try scan")
		return
	}
	for i, d := range list {
		fmt.Fprintf(self.out, "%d %s rssi=%d\n", i, d.String(), d.RSSI)
	}
}

func (self *Shell) connect(args []string) error {
	if len(args) != 1 {
		return errors.NotValidf("connect requires N or ADDR")
	}
	list := self.g.Session.Devices()
	var dev ble.Device
	if i, err := strconv.Atoi(args[0]); err == nil {
		if i < 0 || i >= len(list) {
			return errors.NotFoundf("device index=%d of %d", i, len(list))
		}
		dev = list[i]
	} else {
		match := ble.Address(args[0])
		for _, d := range list {
			if match(d) {
				dev = d
				break
			}
		}
		if dev.ID == "" {
			// not scanned, transport may still know it
			dev = ble.Device{ID: args[0]}
		}
	}
	if err := self.g.Connect(self.ctx, dev); err != nil {
		return err
	}
	fmt.Fprintf(self.out, "connected %s\n", dev.String())
	return nil
}

func (self *Shell) state() {
	st := self.g.Status()
	fmt.Fprintf(self.out, "session %s", st.State)
	if st.Device != "" {
		fmt.Fprintf(self.out, " device=%s", st.Device)
	}
	if st.Fault != "" {
		fmt.Fprintf(self.out, " fault=%s", st.Fault)
	}
	fmt.Fprintf(self.out, " last_notify=%v\n", self.g.Session.SinceLastNotify().Truncate(time.Millisecond))
	fmt.Fprintln(self.out, self.g.Aggregator.State().String())
}

func (self *Shell) save() error {
	wrote, err := self.g.Scheduler.Tick(self.ctx)
	switch {
	case err == nil && wrote:
		fmt.Fprintf(self.out, "saved %s\n", self.g.Scheduler.Last().Format())
		return nil
	case err != nil && errors.Cause(err) == persist.ErrSkipUnchanged:
		fmt.Fprintln(self.out, "skip: unchanged")
		return nil
	}
	return err
}

// ParseHistoryQuery reads `[N] [since=DURATION] [before=TIME] [until=TIME]`.
// DURATION is Go duration or whole days like 7d, TIME is RFC3339.
func ParseHistoryQuery(args []string, now time.Time) (tele.Query, error) {
	q := tele.Query{}
	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) == 1 {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				return q, errors.NotValidf("history N=%s", arg)
			}
			q.Limit = n
			continue
		}
		key, value := parts[0], parts[1]
		switch key {
		case "since":
			d, err := parseDays(value)
			if err != nil || d <= 0 {
				return q, errors.NotValidf("history since=%s", value)
			}
			q.From = now.Add(-d)
		case "before", "until":
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return q, errors.NotValidf("history %s=%s", key, value)
			}
			if key == "before" {
				q.Before = t
			} else {
				q.To = t
			}
		default:
			return q, errors.NotSupportedf("history %s", key)
		}
	}
	return q, nil
}

func parseDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func (self *Shell) history(args []string) error {
	q, err := ParseHistoryQuery(args, time.Now())
	if err != nil {
		return err
	}
	list := self.g.History.Query(self.g.Config.Persist.UserKey, q)
	if len(list) == 0 {
		fmt.Fprintln(self.out, "no snapshots")
	}
	for _, s := range list {
		fmt.Fprintln(self.out, s.Format())
	}
	return nil
}

func (self *Shell) csv(args []string) error {
	if len(args) != 1 {
		return errors.NotValidf("csv requires PATH or -")
	}
	list := self.g.History.List(self.g.Config.Persist.UserKey)
	if args[0] == "-" {
		return tele.WriteCSV(self.out, list)
	}
	f, err := os.Create(args[0])
	if err != nil {
		return errors.Annotate(err, "csv")
	}
	if err = tele.WriteCSV(f, list); err != nil {
		f.Close()
		return errors.Annotatef(err, "csv path=%s", args[0])
	}
	if err = f.Close(); err != nil {
		return errors.Annotatef(err, "csv path=%s", args[0])
	}
	fmt.Fprintf(self.out, "csv path=%s rows=%d\n", args[0], len(list))
	return nil
}
