// offloadd is the flow offload daemon.
//
// It classifies traffic from its ingress sources and programs admitted
// flows into the hardware flow table, one offload worker per shard.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/psaab/flowoffload/pkg/daemon"
	"github.com/psaab/flowoffload/pkg/logging"
)

func main() {
	configFile := flag.String("config", "/etc/flowoffload/flowoffload.conf", "configuration file path (empty for defaults)")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (overrides the configuration)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC API listen address (overrides the configuration)")
	exitWhenDrained := flag.Bool("exit-when-drained", false, "exit once every ingress source is exhausted")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Set up structured logging
	logging.Setup(os.Stderr, *debug)

	d := daemon.New(daemon.Options{
		ConfigFile:      *configFile,
		APIAddr:         *apiAddr,
		GRPCAddr:        *grpcAddr,
		Debug:           *debug,
		ExitWhenDrained: *exitWhenDrained,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "offloadd: %v\n", err)
		os.Exit(1)
	}
}
