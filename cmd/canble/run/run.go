// Daemon mode: keep device connected, write snapshots, serve live feed.
package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/evmotion/canble/cmd/canble/subcmd"
	"github.com/evmotion/canble/internal/state"
	"github.com/juju/errors"
)

var Mod = subcmd.Mod{Name: "run", Usage: "connect, collect and persist telemetry", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			g.Log.Infof("signal=%v stopping", sig)
		case <-g.Alive.StopChan():
		}
		cancel()
	}()

	errch := make(chan error, 1)
	if addr := g.Config.Feed.Listen; addr != "" {
		go func() { errch <- g.Feed.ListenAndServe(ctx, addr) }()
	}
	go g.Scheduler.Run(ctx)
	go g.SessionLoop(ctx)

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Debugf("run init complete")

	var err error
	select {
	case <-ctx.Done():
	case err = <-errch:
		err = errors.Annotate(err, "livefeed")
	}
	subcmd.SdNotify(daemon.SdNotifyStopping)
	g.Stop()
	return err
}
