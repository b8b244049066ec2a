// Command efaendpointd is a small demonstration/soak-test binary: it wires
// a loopback NIC transport pair through two endpoints, binds and enables
// each against the other, and drives Progress() in a loop, printing
// completions as they drain. It mirrors cmd/evm-node/main.go's
// cli.App{Before: ..., Action: ...} shape.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/luxfi/ids"

	"github.com/luxfi/efacore/config"
	"github.com/luxfi/efacore/efalog"
	"github.com/luxfi/efacore/endpoint"
	"github.com/luxfi/efacore/transport"
	"github.com/luxfi/efacore/transport/mock"
)

const clientIdentifier = "efaendpointd"

var (
	flagSet = pflag.NewFlagSet(clientIdentifier, pflag.ContinueOnError)

	app = &cli.App{
		Name:    clientIdentifier,
		Usage:   "drive a pair of loopback-connected reliable datagram endpoints",
		Version: "0.1.0",
	}
)

func init() {
	config.RegisterFlags(flagSet)
	app.Flags = pflagsToCliFlags(flagSet)
	app.Before = func(c *cli.Context) error {
		efalog.SetDefault(efalog.NewLogger(efalog.NewTerminalHandler(os.Stderr, efalog.LevelInfo)))
		return nil
	}
	app.Action = run
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// pflagsToCliFlags adapts every pflag registered by config.RegisterFlags
// into a urfave/cli flag so both stay in sync from one source of truth.
func pflagsToCliFlags(fs *pflag.FlagSet) []cli.Flag {
	var out []cli.Flag
	fs.VisitAll(func(f *pflag.Flag) {
		out = append(out, &cli.StringFlag{
			Name:  f.Name,
			Usage: f.Usage,
			Value: f.DefValue,
		})
	})
	return out
}

func run(c *cli.Context) error {
	for _, f := range c.App.Flags {
		if c.IsSet(f.Names()[0]) {
			_ = flagSet.Set(f.Names()[0], c.String(f.Names()[0]))
		}
	}
	cfg, err := config.Load(flagSet)
	if err != nil {
		return fmt.Errorf("efaendpointd: loading config: %w", err)
	}

	nodeA := ids.GenerateTestNodeID()
	nodeB := ids.GenerateTestNodeID()

	nicA, nicB := mock.NewLoopbackPair(transport.KindNIC, cfg.Progress.MaxDataPayload, nodeA, nodeB)

	epA := endpoint.New(endpoint.Config{
		LocalAddr:    nodeA,
		NIC:          nicA,
		Progress:     cfg.Progress,
		CQReadSize:   cfg.CQReadSize,
		SrcCacheSize: cfg.SrcCacheSize,
	})
	epB := endpoint.New(endpoint.Config{
		LocalAddr:    nodeB,
		NIC:          nicB,
		Progress:     cfg.Progress,
		CQReadSize:   cfg.CQReadSize,
		SrcCacheSize: cfg.SrcCacheSize,
	})

	if err := epA.Bind([]ids.NodeID{nodeB}); err != nil {
		return err
	}
	if err := epB.Bind([]ids.NodeID{nodeA}); err != nil {
		return err
	}
	if err := epA.Enable(); err != nil {
		return err
	}
	if err := epB.Enable(); err != nil {
		return err
	}

	payload := []byte("hello over efacore")
	recvBuf := make([]byte, len(payload))
	if err := epB.Recv("recv-1", recvBuf, 0); err != nil {
		return err
	}
	if err := epA.SendMsg("send-1", nodeB, payload, 0); err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := epA.Progress(); err != nil {
			return err
		}
		if err := epB.Progress(); err != nil {
			return err
		}
		for _, comp := range epA.PollCQ(0) {
			fmt.Printf("endpoint A completion: ctx=%v len=%d err=%v\n", comp.Context, comp.Len, comp.Err)
		}
		for _, comp := range epB.PollCQ(0) {
			fmt.Printf("endpoint B completion: ctx=%v len=%d err=%v buf=%q\n", comp.Context, comp.Len, comp.Err, comp.Buf)
			return finish(epA, epB)
		}
		time.Sleep(time.Millisecond)
	}
	return finish(epA, epB)
}

func finish(epA, epB *endpoint.Endpoint) error {
	if err := epA.Close(); err != nil {
		return err
	}
	return epB.Close()
}
