package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/djlord-it/easy-gitops/internal/config"
	"github.com/djlord-it/easy-gitops/internal/manifest"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "projects":
		os.Exit(runProjects())
	case "migrate":
		os.Exit(runMigrate())
	case "patch":
		os.Exit(runPatch(os.Args[2:], os.Stdout, os.Stderr))
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`easygitops - CI/CD event orchestrator

Usage:
  easygitops <command>

Commands:
  serve      Start the ingest API, dispatcher and reconciler
  validate   Validate configuration and the projects file (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  projects   List configured projects (secret values are never printed)
  migrate    Apply the database schema and exit
  patch      Set a container image in a deployment manifest:
               easygitops patch [-stdout] <manifest> <container> <image>
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (in-memory store if unset)
  REDIS_ADDR                Redis address for analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080", or ":$PORT")
  PROJECTS_FILE             Project registry YAML (default: "projects.yaml")
  INGEST_SECRET             HMAC secret for X-EasyGitops-Signature (optional)

  EXECUTOR                  "docker" or "dryrun" (default: "docker")
  DOCKER_BINARY             Container CLI used by the docker executor (default: "docker")
  STORAGE_VOLUME            Volume shared by jobs with storage enabled (optional)
  NOTIFY_MODE               "container" or "native" (default: "container")
  JOB_TIMEOUT               Per-job deadline, 0 disables (default: "15m")

  DEPLOY_BRANCH             Branch whose pushes roll out infra (default: "master")
  MANIFEST_PATH             Deployment manifest inside the repo (default: "kubernetes/deployment.yaml")
  MANIFEST_DIR              Directory applied by kubectl (default: "kubernetes")
  CONTAINER_NAME            Container whose image is patched in the manifest
  SOURCE_DIR                Checkout directory inside jobs (default: "src")
  HUB_IMAGE                 Image for git and pull request jobs
  KUBECTL_IMAGE             Image for cluster jobs
  NOTIFY_IMAGE              Image for chat notifications
  BOT_EMAIL, BOT_NAME       Identity of the bot commits
  COMMIT_TITLE              Title of the image bump commit
  CREDENTIAL_HELPER         git credential helper configured in jobs
  GIT_HOST                  Host the credential helper answers for
  IMAGE_DELETE_POLICY       "update" or "ignore" for deleted images (default: "update")

  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT  Dispatcher event drain timeout (default: "30s")
  DISPATCHER_WORKERS        Concurrent event handlers (default: "1")
  EVENTBUS_BUFFER_SIZE      Event bus capacity (default: "100")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  RECONCILE_ENABLED         Enable orphan event reconciler (default: "false")
  RECONCILE_INTERVAL        How often to scan for orphans (default: "1m")
  RECONCILE_THRESHOLD       Age before an event is orphaned (default: "2m")
  RECONCILE_BATCH_SIZE      Max orphans per cycle (default: "100")

  CIRCUIT_BREAKER_THRESHOLD Consecutive failures per image before rejecting, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Time an open circuit waits before a trial run (default: "2m")
  ANALYTICS_RETENTION       Lifetime of analytics counters (default: "168h")`)
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	projects, err := config.LoadProjects(cfg.ProjectsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Printf("configuration valid (%d projects)\n", projects.Len())
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runProjects() int {
	cfg := config.Load()

	projects, err := config.LoadProjects(cfg.ProjectsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Print(projects.Summary())
	return exitSuccess
}

func runMigrate() int {
	cfg := config.Load()

	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required for migrate")
		return exitInvalidConfig
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	_, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	closeStore()

	fmt.Println("schema up to date")
	return exitSuccess
}

// runPatch rewrites the image of one container in a manifest file. The file
// is changed in place unless -stdout is given.
func runPatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("patch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	toStdout := fs.Bool("stdout", false, "print the patched manifest instead of writing the file")
	if err := fs.Parse(args); err != nil {
		return exitInvalidConfig
	}
	if fs.NArg() != 3 {
		fmt.Fprintln(stderr, "usage: easygitops patch [-stdout] <manifest> <container> <image>")
		return exitInvalidConfig
	}
	path, container, image := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitRuntimeError
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitRuntimeError
	}

	patched, err := manifest.SetContainerImage(doc, container, image)
	if err != nil {
		fmt.Fprintf(stderr, "patch %s: %v\n", path, err)
		return exitRuntimeError
	}

	if *toStdout {
		if _, err := stdout.Write(patched); err != nil {
			return exitRuntimeError
		}
		return exitSuccess
	}
	if err := os.WriteFile(path, patched, info.Mode().Perm()); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitRuntimeError
	}
	fmt.Fprintf(stdout, "%s: %s -> %s\n", path, container, image)
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("easygitops version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
