package main

import (
	"context"
	"flag"
	"fmt"
	log "log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/engine"
	"github.com/nedfreetoplay/hydrus/restapi"
	"github.com/nedfreetoplay/hydrus/service"
	"github.com/nedfreetoplay/hydrus/session"
)

// defaultAdminPort is where the administration service listens when the
// database is bootstrapped from scratch, and where stop/restart probe for a
// running instance.
const defaultAdminPort = 45870

const (
	exitClean          = 0
	exitStartupFailure = 1
	exitAlreadyRunning = 2
)

func main() {
	verb := "start"
	args := os.Args[1:]
	if len(args) > 0 && args[0][0] != '-' {
		verb = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	dbDir := fs.String("db_dir", defaultDBDir(), "base directory for the database files and blob store")
	adminPort := fs.Int("admin_port", defaultAdminPort, "port of the administration service, used for instance probes")
	redisAddr := fs.String("redis", "", "redis address for the shared session cache, empty for in-memory only")
	fs.Parse(args)

	switch verb {
	case "start":
		os.Exit(runStart(*dbDir, *adminPort, *redisAddr))
	case "stop":
		os.Exit(runStop(*adminPort))
	case "restart":
		if code := runStop(*adminPort); code != exitClean {
			os.Exit(code)
		}
		if err := waitForPortFree(*adminPort, 30*time.Second); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitStartupFailure)
		}
		os.Exit(runStart(*dbDir, *adminPort, *redisAddr))
	default:
		printUsage()
		os.Exit(exitStartupFailure)
	}
}

func printUsage() {
	fmt.Println("Usage: hydrusserver [start|stop|restart] [flags]")
	fmt.Println("\nCommands:")
	fmt.Println("  start      Run the server (default)")
	fmt.Println("  stop       Ask a running instance to shut down")
	fmt.Println("  restart    Stop the running instance, then start")
	fmt.Println("\nFlags:")
	fmt.Println("  --db_dir       base directory for database files and blobs")
	fmt.Println("  --admin_port   administration service port for instance probes")
	fmt.Println("  --redis        redis address for the shared session cache")
}

func defaultDBDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "db"
	}
	return home + "/hydrusserver"
}

func runStart(dbDir string, adminPort int, redisAddr string) int {
	hydrus.ConfigureLogging()

	if instanceRunning(adminPort) {
		fmt.Fprintf(os.Stderr, "another instance is already listening on port %d; use restart to replace it\n", adminPort)
		return exitAlreadyRunning
	}

	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		log.Error("cannot create db dir", "dir", dbDir, "err", err)
		return exitStartupFailure
	}

	cfg := engine.Config{DBDir: dbDir}
	if redisAddr != "" {
		cfg.Redis = &session.RedisOptions{Address: redisAddr}
	}

	ctx := context.Background()
	eng := engine.New(cfg)
	if err := eng.Start(ctx); err != nil {
		log.Error("engine start failed", "err", err)
		return exitStartupFailure
	}

	if err := bootstrap(ctx, eng, adminPort); err != nil {
		log.Error("first-start bootstrap failed", "err", err)
		eng.Shutdown()
		return exitStartupFailure
	}

	fleet := restapi.NewFleet(eng)
	if err := fleet.Start(ctx); err != nil {
		log.Error("listeners failed to start", "err", err)
		eng.Shutdown()
		return exitStartupFailure
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Info("signal received", "signal", sig.String())
		eng.Shutdown()
	case <-eng.Done():
		// A shutdown action stopped the engine underneath us.
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fleet.Stop(stopCtx)
	<-eng.Done()
	return exitClean
}

// bootstrap provisions the administration service on a fresh database and
// prints its one-time admin access key.
func bootstrap(ctx context.Context, eng *engine.Engine, adminPort int) error {
	if len(eng.Registry().List()) > 0 {
		return nil
	}
	svc, adminKey, err := eng.AddService(ctx, service.Service{
		Type: hydrus.ServiceAdmin,
		Name: "server admin",
		Port: adminPort,
	})
	if err != nil {
		return err
	}
	log.Info("fresh database bootstrapped", "service", svc.Name, "port", svc.Port)
	fmt.Printf("Your server admin access key is: %s\n", adminKey)
	fmt.Println("Store it somewhere safe; it is not shown again.")
	return nil
}

func runStop(adminPort int) int {
	if !instanceRunning(adminPort) {
		fmt.Printf("No instance is listening on port %d.\n", adminPort)
		return exitClean
	}
	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/shutdown", adminPort), "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shutdown request failed: %v\n", err)
		return exitStartupFailure
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "shutdown refused: %s\n", resp.Status)
		return exitStartupFailure
	}
	fmt.Println("Shutdown requested.")
	return exitClean
}

// instanceRunning probes the admin port's welcome page.
func instanceRunning(adminPort int) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/", adminPort))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// waitForPortFree polls until the old instance's listener is gone.
func waitForPortFree(adminPort int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !instanceRunning(adminPort) {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("an instance is still listening on port %d after %s", adminPort, timeout)
}
