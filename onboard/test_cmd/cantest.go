//go:build linux

// cantest asks one module for its catalog version over SocketCAN.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/hardware"
	"github.com/CodedInternet/robocan/onboard/logging"
	"github.com/CodedInternet/robocan/onboard/registry"
)

func main() {
	ifname := flag.String("bus", "can0", "SocketCAN interface")
	module := flag.String("module", "MK1_MOD1", "module to exercise")
	level := flag.String("log", "", "log level, defaults to "+logging.EnvLogLevel)
	flag.Parse()

	logger := logging.Init("cantest", logging.Options{Level: *level})

	target, err := registry.Lookup(*module)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	self, _ := registry.Lookup("CONTROLLER")

	ctrl := canbus.NewSocketCAN(*ifname, logger)
	defer ctrl.Close()

	tr := canbus.NewTransport(ctrl, canbus.Config{Profile: self, Peer: target.Address, Logger: &logger})
	if err := tr.Begin(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	node := hardware.NewNode(tr, hardware.NodeConfig{Logger: &logger})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	v, err := node.Handshake(ctx, target.Address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", target, err)
		os.Exit(1)
	}
	fmt.Printf("Success! %s speaks catalog %s\n", target, v)
}
