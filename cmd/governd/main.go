// @author Couchbase <info@couchbase.com>
// @copyright 2014 Couchbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ss-govern/govern/common"
	"github.com/ss-govern/govern/log"
	"github.com/ss-govern/govern/server"
)

func stdinWatcher(cancel context.CancelFunc) {
	b := make([]byte, 1)

	for {
		_, err := os.Stdin.Read(b)
		if err != nil {
			log.Current.Errorf("Got %s when reading stdin. Terminating.", err.Error())
			break
		}

		if b[0] == '\n' || b[0] == '\r' {
			log.Current.Errorf("Got new line on a stdin. Terminating.")
			break
		}
	}

	cancel()
}

//
// main function
//
func main() {
	var config string
	var watchStdin bool

	fs := flag.CommandLine
	fs.StringVar(&config, "config", "", "path for configuration file")
	fs.BoolVar(&watchStdin, "watch-stdin", false,
		"watch standard input and terminate on EOL or EOF")
	overrides := server.BindConfigFlags(fs)
	flag.Parse()

	cfg, err := server.LoadConfig(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "governd: %v\n", err)
		os.Exit(2)
	}
	overrides.Apply(cfg)

	logger, err := log.NewZapLogger(cfg.LogLevel, "nodeId", cfg.NodeId)
	if err != nil {
		fmt.Fprintf(os.Stderr, "governd: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()
	log.Current = logger

	env, err := server.NewEnv(cfg)
	if err != nil {
		log.Current.Errorf("Invalid configuration.  Error = %s", err.Error())
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if watchStdin {
		go stdinWatcher(cancel)
	}

	srv := server.NewServer(env, common.NewRunState(ctx))
	log.Current = logger.With("runId", srv.RunId())

	if err := srv.Run(); err != nil {
		log.Current.Errorf("Encounter Error = %s. Terminate server", err.Error())
		logger.Sync()
		os.Exit(1)
	}
}
