// Command pluginsupd wires a Supervisor to the HTTP ingress surface (spec
// §6) and runs until interrupted. It is an example host process, not a
// complete control-center service: the rest of that service's routes, auth,
// and static assets are external collaborators per spec §1.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ctrlhost/pluginsup"
	"github.com/ctrlhost/pluginsup/httpapi"
)

func main() {
	var (
		pluginsDir  = flag.String("plugins-dir", "./plugins", "directory scanned for plugin binaries")
		socketsDir  = flag.String("sockets-dir", "", "directory for per-plugin Unix sockets (default /tmp/toru-plugins)")
		logDir      = flag.String("log-dir", "./log", "directory for supervisor and per-plugin log files")
		dataDir     = flag.String("data-dir", "./data", "directory for the KV store and event log databases")
		instanceID  = flag.String("instance-id", "pluginsupd", "instance id reported to plugins during init")
		maxRestarts = flag.Int("max-restarts", 5, "crash-recovery restart threshold before a plugin is disabled")
		mount       = flag.String("mount", "/plugins", "HTTP mount point for the plugin API")
		addr        = flag.String("addr", ":8080", "HTTP listen address")
	)
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "pluginsupd",
		Level: hclog.Info,
	})

	sup, err := pluginsup.NewSupervisor(pluginsup.Config{
		PluginsDir:  *pluginsDir,
		SocketsDir:  *socketsDir,
		LogDir:      *logDir,
		DataDir:     *dataDir,
		InstanceID:  *instanceID,
		MaxRestarts: *maxRestarts,
	})
	if err != nil {
		logger.Error("failed to construct supervisor", "error", err)
		os.Exit(1)
	}

	if err := sup.Initialize(); err != nil {
		logger.Error("failed to run discovery", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle(*mount+"/", httpapi.Handler(sup, *mount, logger))

	server := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		logger.Info("listening", "addr", *addr, "mount", *mount)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)

	if err := sup.Shutdown(); err != nil {
		logger.Warn("supervisor shutdown reported an error", "error", err)
	}
}
