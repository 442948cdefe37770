// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command woodpeckers animates mechanical woodpeckers described by a
// YAML configuration file, pecking at random intervals until stopped.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/woodpeckers/woodpeckers/config"
	"github.com/woodpeckers/woodpeckers/controller"
	"github.com/woodpeckers/woodpeckers/logging"
)

const version = "1.0.0"

const logTag = "main"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("woodpeckers", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)

	var (
		showVersion bool
		configPath  string
		debug       bool
		controlPort uint
	)
	flags.BoolVar(&showVersion, "v", false, "print the version and exit")
	flags.BoolVar(&showVersion, "version", false, "print the version and exit")
	flags.StringVar(&configPath, "c", "", "path to the configuration file")
	flags.StringVar(&configPath, "config", "", "path to the configuration file")
	flags.BoolVar(&debug, "d", false, "enable debug logging")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	flags.UintVar(&controlPort, "control-port", 0, "loopback port for the control server, 0 disables it")

	if err := flags.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	if showVersion {
		fmt.Printf("woodpeckers %s\n", version)
		return 0
	}

	if debug {
		logging.SetLevel(logging.DebugLevel)
	}

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "a configuration file is required")
		flags.Usage()
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Errorf(logTag, "Loading configuration from %s failed: %v", configPath, err)
		return 1
	}

	ctrl, err := controller.New()
	if err != nil {
		logging.Errorf(logTag, "Creating the controller failed: %v", err)
		return 1
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logging.Errorf(logTag, "Closing the controller failed: %v", err)
		}
		logging.Cleanup()
	}()

	if err = ctrl.Configure(cfg); err != nil {
		logging.Errorf(logTag, "Applying the configuration failed: %v", err)
		return 1
	}
	ctrl.SetControlPort(uint16(controlPort))

	if err = ctrl.SetUp(); err != nil {
		logging.Errorf(logTag, "Setting the controller up failed: %v", err)
		return 1
	}
	defer ctrl.TearDown()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		sig := <-signals
		logging.Infof(logTag, "Received %s, stopping", sig)
		ctrl.Stop()
	}()

	if err = ctrl.Run(); err != nil {
		logging.Errorf(logTag, "Running failed: %v", err)
		return 1
	}
	return 0
}
