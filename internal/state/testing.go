package state

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/evmotion/canble/ble"
	"github.com/evmotion/canble/log2"
)

// NewTestContext inits Global over ble.MockTransport.
// Background goroutines may outlive test, so log goes to stderr
// unless canble_test_log_t=1.
func NewTestContext(t testing.TB, confString string, mt *ble.MockTransport) (context.Context, *Global) {
	fs := NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	var log *log2.Log
	if os.Getenv("canble_test_log_t") == "1" {
		log = log2.NewTest(t, log2.LDebug)
	} else {
		log = log2.NewStderr(log2.LError)
	}
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.BuildVersion = "test"
	g.Transport = mt
	cfg, err := ReadConfig(log, fs, "test-inline")
	if err == nil {
		err = g.Init(ctx, cfg)
	}
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { g.StopWait(5 * time.Second) })
	return ctx, g
}
