// Copyright The Quo-Vadis Authors. All Rights Reserved.
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

// quo-vadisd is the quo-vadis node daemon: it owns the authoritative
// hardware topology and serves RMI requests from quo-vadis clients over
// a local socket.
package main

import (
	"errors"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/lanl/quo-vadis-go/pkg/config"
	"github.com/lanl/quo-vadis-go/pkg/hwloc"
	logger "github.com/lanl/quo-vadis-go/pkg/log"
	"github.com/lanl/quo-vadis-go/pkg/pidfile"
	"github.com/lanl/quo-vadis-go/pkg/rmi"
)

var log = logger.Get("quo-vadisd")

// daemonizedEnvVar marks a re-executed daemon child.
const daemonizedEnvVar = "QVD_DAEMONIZED"

// errUsage marks command-line errors so main can exit with status 2.
var errUsage = errors.New("usage error")

type options struct {
	foreground  bool
	url         string
	configFile  string
	metricsAddr string
	queueDepth  int
	pidFile     string
}

func main() {
	if err := newCommand().Execute(); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opt := &options{}
	cmd := &cobra.Command{
		Use:           "quo-vadisd",
		Short:         "quo-vadis resource management and inquiry daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errUsage
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), opt)
		},
	}
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		log.Error("%v", err)
		return errUsage
	})
	flags := cmd.Flags()
	flags.BoolVar(&opt.foreground, "foreground", false,
		"stay in the foreground instead of daemonizing")
	flags.StringVar(&opt.url, "url", "",
		"listen address (tcp://host:port or unix://path)")
	flags.StringVar(&opt.configFile, "config", "",
		"YAML configuration file")
	flags.StringVar(&opt.metricsAddr, "metrics-addr", "",
		"address to expose prometheus metrics on")
	flags.IntVar(&opt.queueDepth, "queue-depth", 0,
		"RMI worker pool size")
	flags.StringVar(&opt.pidFile, "pid-file", "",
		"pid file path")
	return cmd
}

// resolve builds the daemon configuration from defaults, the config
// file, the environment, and finally the command line.
func resolve(flags *pflag.FlagSet, opt *options) (*config.Config, error) {
	cfg := config.Default()
	if opt.configFile != "" {
		if err := cfg.FromFile(opt.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.FromEnv(); err != nil {
		return nil, err
	}
	if flags.Changed("url") {
		cfg.URL = opt.url
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opt.metricsAddr
	}
	if flags.Changed("queue-depth") {
		cfg.QueueDepth = opt.queueDepth
	}
	if flags.Changed("pid-file") {
		cfg.PidFile = opt.pidFile
	}
	return cfg, nil
}

func run(flags *pflag.FlagSet, opt *options) error {
	cfg, err := resolve(flags, opt)
	if err != nil {
		log.Error("bad configuration: %v", err)
		return errUsage
	}
	if !opt.foreground && os.Getenv(daemonizedEnvVar) == "" {
		return daemonize()
	}
	if !opt.foreground {
		// Re-executed child: finish becoming a daemon.
		unix.Umask(0)
	}
	return serve(cfg)
}

// daemonize re-executes the binary as a detached session leader with its
// standard descriptors pointed at /dev/null, then exits the parent.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		log.Error("cannot resolve executable: %v", err)
		return err
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		log.Error("cannot open %s: %v", os.DevNull, err)
		return err
	}
	defer devnull.Close()

	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), daemonizedEnvVar+"=1")
	child.Stdin = devnull
	child.Stdout = devnull
	child.Stderr = devnull
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		log.Error("cannot start daemon child: %v", err)
		return err
	}
	return nil
}

func serve(cfg *config.Config) error {
	topo := hwloc.New()
	if err := topo.Load(); err != nil {
		log.Error("topology load failed: %v", err)
		return err
	}
	server, err := rmi.NewServer(rmi.ServerConfig{
		URL:        cfg.URL,
		TmpDir:     cfg.TmpDir,
		QueueDepth: cfg.QueueDepth,
	}, topo)
	if err != nil {
		log.Error("server setup failed: %v", err)
		return err
	}
	if err := server.Start(); err != nil {
		log.Error("server start failed: %v", err)
		return err
	}
	if cfg.PidFile != "" {
		if err := pidfile.Write(cfg.PidFile); err != nil {
			log.Error("%v", err)
			server.Stop()
			return err
		}
	}
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(server.Gatherer(),
				promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Warn("metrics listener failed: %v", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info("shutting down on %v", sig)

	err = server.Stop()
	if perr := pidfile.Remove(); err == nil {
		err = perr
	}
	return err
}
