package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/hellomouse/skipauth/pkg/api/daemon/router"
	"github.com/hellomouse/skipauth/pkg/command"
	"github.com/hellomouse/skipauth/pkg/config"
	"github.com/hellomouse/skipauth/pkg/interceptor"
	"github.com/hellomouse/skipauth/pkg/metrics"
	"github.com/hellomouse/skipauth/pkg/registry"
	"github.com/hellomouse/skipauth/pkg/sshhost"
	pkgversion "github.com/hellomouse/skipauth/pkg/version"
	"github.com/hellomouse/skipauth/pkg/whitelist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// flag values that override the configuration file when set
type overrides struct {
	listen            string
	onlineMode        bool
	registryFile      string
	hostKeyFile       string
	authorizedKeysDir string
	whitelist         bool
	whitelistFile     string
	socket            string
}

func main() {
	unix.Umask(0o077) // https://github.com/golang/go/issues/11822#issuecomment-123850227

	defaultConfig := config.FileName
	if dir, err := config.DefaultDir(); err == nil {
		defaultConfig = filepath.Join(dir, config.FileName)
	}

	var o overrides
	configFile := flag.String("config", defaultConfig, "Configuration file")
	flag.StringVar(&o.listen, "listen", "", "SSH listen address")
	flag.BoolVar(&o.onlineMode, "online-mode", true, "Require verification from clients that are not allowed to skip it")
	flag.StringVar(&o.registryFile, "registry-file", "", "Offline-mode users list")
	flag.StringVar(&o.hostKeyFile, "host-key", "", "SSH host key (generated when missing)")
	flag.StringVar(&o.authorizedKeysDir, "authorized-keys-dir", "", "Directory with one authorized_keys file per user")
	flag.BoolVar(&o.whitelist, "whitelist", false, "Enforce the whitelist")
	flag.StringVar(&o.whitelistFile, "whitelist-file", "", "Whitelist file")
	flag.StringVar(&o.socket, "socket", "", "Admin API socket file")
	pidFile := flag.String("pid-file", "", "Pid file")
	logFilePath := flag.String("log-file", "", "Output logs to file")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration and exit")
	debug := flag.Bool("debug", false, "Enable debug mode")
	version := flag.Bool("version", false, "Show version")
	help := flag.Bool("help", false, "Show help")

	// Parse arguments
	flag.Parse()
	if flag.NArg() > 0 {
		flag.PrintDefaults()
		logrus.Fatal("Invalid command")
	}

	if *debug {
		logrus.Info("Debug mode enabled")
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	if *version {
		fmt.Printf("skipauthd version %s\n", strings.TrimPrefix(pkgversion.Version, "v"))
		os.Exit(0)
	}

	if *help {
		flag.Usage()
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.Fatalf("Cannot load configuration: %v", err)
	}
	o.apply(flag.CommandLine, &cfg)
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	if *printConfig {
		b, err := cfg.Marshal()
		if err != nil {
			logrus.Fatal(err)
		}
		os.Stdout.Write(b)
		os.Exit(0)
	}

	if *pidFile != "" {
		pid := fmt.Sprintf("%d", os.Getpid())
		if err := os.WriteFile(*pidFile, []byte(pid), 0o644); err != nil {
			logrus.Fatalf("Cannot write pid file: %v", err)
		}
		logrus.Infof("PidFilePath: %s", *pidFile)
	}

	if *logFilePath != "" {
		logFile, err := os.Create(*logFilePath)
		if err != nil {
			logrus.Fatalf("Cannnot write log file %s : %v", *logFilePath, err)
		}
		defer logFile.Close()
		logrus.SetOutput(io.MultiWriter(os.Stderr, logFile))
		logrus.Infof("LogFilePath %s", *logFilePath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		logrus.Fatalf("process exited: %v", err)
	}
	logrus.Info("Shut down")
}

func (o *overrides) apply(fs *flag.FlagSet, cfg *config.Config) {
	if fs.Changed("listen") {
		cfg.Listen = o.listen
	}
	if fs.Changed("online-mode") {
		cfg.OnlineMode = o.onlineMode
	}
	if fs.Changed("registry-file") {
		cfg.RegistryFile = o.registryFile
	}
	if fs.Changed("host-key") {
		cfg.HostKeyFile = o.hostKeyFile
	}
	if fs.Changed("authorized-keys-dir") {
		cfg.AuthorizedKeysDir = o.authorizedKeysDir
	}
	if fs.Changed("whitelist") {
		cfg.Whitelist.Enabled = o.whitelist
	}
	if fs.Changed("whitelist-file") {
		cfg.Whitelist.File = o.whitelistFile
	}
	if fs.Changed("socket") {
		cfg.Socket = o.socket
	}
}

// run serves SSH logins and the admin API until ctx is cancelled.
func run(ctx context.Context, cfg config.Config) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	wl, err := whitelist.Open(cfg.Whitelist.File, cfg.Whitelist.Enabled)
	if err != nil {
		return err
	}
	logrus.Infof("Whitelist: %s (enforced: %v)", cfg.Whitelist.File, wl.Enabled())

	cmds := &command.Commands{
		Registry: registry.New(),
		Path:     cfg.RegistryFile,
		Players:  wl,
		Metrics:  m,
	}
	logrus.Infof("Offline-mode users list: %s", cfg.RegistryFile)
	if res := cmds.Reload(); !res.OK {
		logrus.Warn("Starting with an empty offline-mode users list")
	}

	server, err := sshhost.NewServer(sshhost.Options{
		Addr:              cfg.Listen,
		HostKeyPath:       cfg.HostKeyFile,
		AuthorizedKeysDir: cfg.AuthorizedKeysDir,
		OnlineMode:        cfg.OnlineMode,
		Banner:            cfg.Banner,
		MaxAuthTries:      cfg.MaxAuthTries,
		HandshakeTimeout:  cfg.HandshakeTimeout,
	}, interceptor.New(cmds.Registry, m), wl, m)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})
	g.Go(func() error {
		return listenServeAPI(ctx, cfg.Socket, &router.Backend{
			Commands: cmds,
			Gatherer: promReg,
		})
	})
	g.Go(func() error {
		reloadOnSIGHUP(ctx, cmds)
		return nil
	})
	return g.Wait()
}

func reloadOnSIGHUP(ctx context.Context, cmds *command.Commands) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			logrus.Info("Received SIGHUP, reloading offline-mode users list")
			cmds.Reload()
		}
	}
}

func listenServeAPI(ctx context.Context, socketPath string, backend *router.Backend) error {
	r := mux.NewRouter()
	router.AddRoutes(r, backend)
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	err := os.RemoveAll(socketPath)
	if err != nil {
		return err
	}
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	defer os.Remove(socketPath)
	logrus.Infof("Starting admin API to serve on %s", socketPath)

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
