package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/evmotion/canble/cmd/canble/console"
	"github.com/evmotion/canble/cmd/canble/decode"
	"github.com/evmotion/canble/cmd/canble/run"
	"github.com/evmotion/canble/cmd/canble/subcmd"
	"github.com/evmotion/canble/internal/state"
	"github.com/evmotion/canble/log2"
	"github.com/juju/errors"
)

var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	run.Mod,
	console.Mod,
	decode.Mod,
}

func main() {
	flagset := flag.NewFlagSet("canble", flag.ExitOnError)
	flagConfig := flagset.String("config", "canble.hcl", "")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "Usage: %s [option] command\n\nOptions:\n", os.Args[0])
		flagset.PrintDefaults()
		fmt.Fprintf(flagset.Output(), "\nCommands:\n")
		for _, m := range modules {
			fmt.Fprintf(flagset.Output(), "  %-8s %s\n", m.Name, m.Usage)
		}
	}
	_ = flagset.Parse(os.Args[1:])
	command := flagset.Arg(0)
	if command == "" {
		command = run.Mod.Name
	}

	log := log2.NewStderr(log2.LInfo)
	log.SetFlags(log2.LInteractiveFlags)
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		flagset.Usage()
		log.Fatal(err)
	}

	var config *state.Config
	if mod.Name == decode.Mod.Name {
		config = new(state.Config)
	} else {
		config = state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
		if config.Log.File != "" {
			level := log2.LInfo
			if config.Log.Debug {
				level = log2.LDebug
			}
			log = log2.NewRotate(log2.RotateConfig{
				Path:      config.Log.File,
				MaxSizeMB: config.Log.MaxSizeMB,
				Tee:       mod.Name != run.Mod.Name,
			}, level)
			log.SetFlags(log2.LInteractiveFlags)
		}
	}
	if mod.Name == run.Mod.Name && subcmd.SdNotify("start") {
		// under systemd journal adds timestamp
		log.SetFlags(log2.LServiceFlags)
	}

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	if err := mod.Main(ctx, config); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
