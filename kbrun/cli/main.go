// Copyright 2018 The gVisor Authors.
// Copyright 2026 The kubridge Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package cli is the main entrypoint for kbrun.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"kubridge.dev/kubridge/kbrun/cmd"
	"kubridge.dev/kubridge/pkg/config"
	"kubridge.dev/kubridge/pkg/log"
	"kubridge.dev/kubridge/pkg/metric"
)

var configFile = flag.String("config", "", "TOML file with settings that override the flags.")

// Main is the main entrypoint.
func Main() {
	forEachCmd(subcommands.Register)
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	if *configFile != "" {
		if err := conf.LoadFile(*configFile); err != nil {
			cmd.Fatalf("%v", err)
		}
	}

	var logFile io.Writer = os.Stderr
	if conf.LogFilename != "" {
		f, err := os.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		logFile = f
	}
	log.SetTarget(newEmitter(conf.LogFormat, logFile))
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	log.Infof("***************************")
	log.Infof("kbrun %s/%s, %d emulated cores, firmware %s", runtime.GOOS, runtime.GOARCH, conf.Cores, conf.Firmware)
	log.Infof("Args: %v", os.Args)
	log.Infof("Config: %v", conf.ToFlags())
	log.Infof("***************************")

	status := subcommands.Execute(context.Background(), conf)

	if conf.MetricsPath != "" {
		if err := writeMetrics(conf.MetricsPath); err != nil {
			log.Warningf("Writing metrics to %q: %v", conf.MetricsPath, err)
			if status == subcommands.ExitSuccess {
				status = subcommands.ExitFailure
			}
		}
	}
	log.Infof("Exiting with status: %v", status)
	os.Exit(int(status))
}

func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Scenario), "")
	cb(new(cmd.Stress), "")

	const debugGroup = "debug"
	cb(new(cmd.Exports), debugGroup)
	cb(new(cmd.Disasm), debugGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}

// writeMetrics writes the Prometheus text exposition of all metrics to path.
func writeMetrics(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := metric.WritePrometheus(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", path, err)
	}
	return nil
}
