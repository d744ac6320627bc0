package main

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/warppool/warppool/pkg/api/daemon/router"
	"github.com/warppool/warppool/pkg/auth"
	"github.com/warppool/warppool/pkg/command"
	"github.com/warppool/warppool/pkg/config"
	"github.com/warppool/warppool/pkg/kernels"
	"github.com/warppool/warppool/pkg/logbuf"
	"github.com/warppool/warppool/pkg/netinfo"
	"github.com/warppool/warppool/pkg/routing"
	pkgversion "github.com/warppool/warppool/pkg/version"
	"github.com/warppool/warppool/pkg/warpd"
)

var (
	listenAddress string
	dataDir       string
	logFilePath   string
	pidFile       string
)

func main() {
	unix.Umask(0o077) // https://github.com/golang/go/issues/11822#issuecomment-123850227

	defaultDataDir := os.Getenv("WARP_DATA_DIR")
	if defaultDataDir == "" {
		defaultDataDir = "/var/lib/warppool"
	}

	flag.StringVar(&listenAddress, "listen", "", "Listen address (default 0.0.0.0:<panel_port>)")
	flag.StringVar(&dataDir, "data-dir", defaultDataDir, "Directory for config and tunnel-client versions")
	flag.StringVar(&logFilePath, "log-file", "", "Output logs to file")
	flag.StringVar(&pidFile, "pid-file", "", "Pid file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	version := flag.Bool("version", false, "Show version")
	help := flag.Bool("help", false, "Show help")

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
		fmt.Printf("warppoold version %s\n", strings.TrimPrefix(pkgversion.Version, "v"))
		os.Exit(0)
	}

	if *help {
		flag.Usage()
		os.Exit(0)
	}

	if pidFile != "" {
		pid := fmt.Sprintf("%d", os.Getpid())
		if err := os.WriteFile(pidFile, []byte(pid), 0o644); err != nil {
			logrus.Fatalf("Cannot write pid file: %v", err)
		}
		logrus.Infof("PidFilePath: %s", pidFile)
	}

	if logFilePath != "" {
		logFile, err := os.Create(logFilePath)
		if err != nil {
			logrus.Fatalf("Cannnot write log file %s : %v", logFilePath, err)
		}
		defer logFile.Close()
		logrus.SetOutput(io.MultiWriter(os.Stderr, logFile))
		logrus.Infof("LogFilePath %s", logFilePath)
	}

	logs := logbuf.NewCollector(200)
	logrus.AddHook(logs)

	cfg := config.Load(dataDir)
	authn := auth.New(cfg)
	if !authn.Enabled() {
		logrus.Warn("panel password is empty, API authentication is disabled")
	}

	runner := command.NewExecutor()
	probe := netinfo.NewInspector(runner)
	routes := routing.NewManager(runner)
	kernelMgr := kernels.NewManager(dataDir, cfg, runner)
	supervisor := warpd.New(cfg, runner, probe, routes, kernelMgr)

	if listenAddress == "" {
		listenAddress = fmt.Sprintf("0.0.0.0:%d", cfg.PanelPort())
	}

	backend := &router.Backend{
		Warp:    supervisor,
		Auth:    authn,
		Logs:    logs,
		Kernels: kernelMgr,
	}
	if err := listenServePanelAPI(listenAddress, backend); err != nil {
		logrus.Fatalf("failed to serve panel API: %q", err)
	}
}

func listenServePanelAPI(address string, backend *router.Backend) error {
	r := mux.NewRouter()
	router.AddRoutes(r, backend)
	srv := &http.Server{Handler: r}
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	logrus.Infof("Starting panel API to serve on %s", address)
	return srv.Serve(l)
}
