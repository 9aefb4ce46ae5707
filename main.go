package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/heartline/internal/app"
	"github.com/petervdpas/heartline/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "heartline.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("heartline v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	command, dir := args[0], args[1]
	switch command {
	case "peer":
		run(dir, app.RunPeer)
	case "relay":
		run(dir, app.RunRelay)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		showUsage()
		os.Exit(1)
	}
}

func run(dirArg string, fn func(context.Context, app.Options) error) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		fatalf("Peer directory does not exist: %s", absDir)
	}

	if err := config.LoadEnv(absDir); err != nil {
		fatalf("Failed to read .env: %v", err)
	}
	cfgPath := filepath.Join(absDir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		fatalf("Invalid environment override: %v", err)
	}
	if err := app.SetupLogging(cfg.Log); err != nil {
		fatalf("%v", err)
	}
	if created {
		fmt.Printf("Created default config: %s\n", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, app.Options{PeerDir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil && !errors.Is(err, context.Canceled) {
		fatalf("heartline: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func showUsage() {
	fmt.Println("heartline - dating call orchestrator")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  heartline peer <directory>    Run an orchestrator with its control API")
	fmt.Println("  heartline relay <directory>   Run the development relay (signaling + records API)")
	fmt.Println()
	fmt.Println("The directory holds " + cfgName + " (created with defaults if missing)")
	fmt.Println("and an optional .env with HEARTLINE_* overrides.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  heartline relay ./peers/relay")
	fmt.Println("  HEARTLINE_USER_ID=u-ann HEARTLINE_PROFILE_ID=p-ann heartline peer ./peers/ann")
}
