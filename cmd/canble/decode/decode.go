// Offline decoder of captured notifications.
// Input per line:
//   0cf11e05 10006400f0010100   header-tagged notification
//   snapshot 09...              protobuf Snapshot from broker
package decode

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/evmotion/canble/canbus"
	"github.com/evmotion/canble/cmd/canble/subcmd"
	"github.com/evmotion/canble/helpers"
	"github.com/evmotion/canble/helpers/cli"
	"github.com/evmotion/canble/internal/state"
	"github.com/evmotion/canble/internal/telemetry"
	"github.com/evmotion/canble/log2"
	"github.com/evmotion/canble/tele"
	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
)

var Mod = subcmd.Mod{Name: "decode", Usage: "decode hex notifications from stdin", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	log := log2.ContextValueLogger(ctx)
	d := NewDecoder()
	cli.ExecLines(os.Stdin, func(line string) {
		if err := d.Exec(os.Stdout, line); err != nil {
			log.Errorf("line=%q err=%v", line, err)
		}
	})
	return nil
}

type Decoder struct {
	agg *telemetry.Aggregator
}

func NewDecoder() *Decoder { return &Decoder{agg: telemetry.NewAggregator()} }

func (self *Decoder) Exec(w io.Writer, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	if rest := strings.TrimPrefix(line, "snapshot "); rest != line {
		return self.snapshot(w, rest)
	}
	b, err := helpers.ParseHexLoose(line)
	if err != nil {
		return errors.Annotate(err, "hex")
	}
	frame, ok := canbus.ParseNotification(b)
	if !ok {
		return errors.NotValidf("notification len=%d", len(b))
	}
	f := frame.Decode()
	fmt.Fprintf(w, "%s %s\n", frame.Format(), f.String())
	if f.Kind() != canbus.KindUnrecognized {
		if s := self.agg.Ingest(f); s.Complete() {
			fmt.Fprintf(w, "state %s\n", s.String())
		}
	}
	return nil
}

func (self *Decoder) snapshot(w io.Writer, s string) error {
	b, err := helpers.ParseHexLoose(s)
	if err != nil {
		return errors.Annotate(err, "hex")
	}
	var snap tele.Snapshot
	if err := proto.Unmarshal(b, &snap); err != nil {
		return errors.Annotate(err, "snapshot Unmarshal")
	}
	fmt.Fprintf(w, "snapshot %s device=%s\n", snap.Format(), snap.Device)
	return nil
}
