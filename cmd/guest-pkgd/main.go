package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/guestops/guest-pkgd/internal/config"
	"github.com/guestops/guest-pkgd/internal/logging"
	"github.com/guestops/guest-pkgd/internal/pkgsvc"
	"github.com/guestops/guest-pkgd/internal/pkgsvc/wstransport"
	"github.com/guestops/guest-pkgd/internal/serialqueue"
)

var (
	version   = "0.1.0"
	cfgFile   string
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "guest-pkgd",
	Short: "Guest package-service agent",
	Long:  `guest-pkgd drives the remote package-management service: package metadata queries, installs with progress, and periodic automatic updates.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var infoCmd = &cobra.Command{
	Use:   "info [package-file]",
	Short: "Query metadata for a locally staged package file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		queryInfo(args[0])
	},
}

var installCmd = &cobra.Command{
	Use:   "install [package-file]",
	Short: "Install a locally staged package file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		installPackage(args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("guest-pkgd v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/guest-pkgd/guest-pkgd.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "package service URL")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// stack is the assembled daemon: worker queue, transport, orchestrator.
type stack struct {
	queue     *serialqueue.Queue
	transport *wstransport.Client
	orch      *pkgsvc.Orchestrator
}

// livenessRelay breaks the construction cycle between transport and
// orchestrator: the transport is built first against the relay, the
// orchestrator is plugged in before the transport starts.
type livenessRelay struct {
	target pkgsvc.LivenessHandler
}

func (r *livenessRelay) ServiceAvailable(ok bool) {
	if r.target != nil {
		r.target.ServiceAvailable(ok)
	}
}

func (r *livenessRelay) ServiceOwnerChanged(oldOwner, newOwner string) {
	if r.target != nil {
		r.target.ServiceOwnerChanged(oldOwner, newOwner)
	}
}

func buildStack(cfg *config.Config) *stack {
	queue := serialqueue.New(128)

	relay := &livenessRelay{}
	post := func(task func()) bool { return queue.Post(task) }
	transport := wstransport.New(wstransport.Config{ServerURL: cfg.ServerURL}, post, relay)

	orch := pkgsvc.New(transport, queue, pkgsvc.Options{
		QueryTimeout:  cfg.QueryTimeout(),
		RefreshPeriod: cfg.RefreshPeriod(),
		StartupDelay:  cfg.StartupDelay(),
		PolicyPath:    cfg.UpdatePolicyPath,
	})
	relay.target = orch

	go transport.Start()
	return &stack{queue: queue, transport: transport, orch: orch}
}

func (s *stack) shutdown() {
	s.transport.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.queue.Shutdown(ctx)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if cfg.ServerURL == "" {
		fmt.Fprintln(os.Stderr, "Package service URL required. Use --server flag or set in config.")
		os.Exit(1)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	return cfg
}

func runDaemon() {
	cfg := loadConfig()

	fmt.Printf("Starting guest-pkgd v%s\n", version)
	fmt.Printf("Service: %s\n", cfg.ServerURL)

	s := buildStack(cfg)
	s.orch.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	fmt.Println("\nShutting down...")
	s.shutdown()
}

func queryInfo(path string) {
	cfg := loadConfig()

	s := buildStack(cfg)
	defer s.shutdown()

	info, err := s.orch.GetLinuxPackageInfo(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
		os.Exit(1)
	}

	out, err := yaml.Marshal(info)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render info: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(out))
}

// consoleObserver prints install progress to stdout and signals completion.
type consoleObserver struct {
	done chan error
}

func (o *consoleObserver) OnInstallProgress(phase pkgsvc.InstallPhase, percent int) {
	fmt.Printf("%s: %d%%\n", phase, percent)
}

func (o *consoleObserver) OnInstallCompletion(ok bool, detail string) {
	if ok {
		o.done <- nil
		return
	}
	o.done <- fmt.Errorf("install failed: %s", detail)
}

func installPackage(path string) {
	cfg := loadConfig()

	s := buildStack(cfg)
	defer s.shutdown()

	obs := &consoleObserver{done: make(chan error, 1)}
	status, err := s.orch.InstallLinuxPackage(path, obs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Install not started (%s): %v\n", status, err)
		os.Exit(1)
	}

	if err := <-obs.done; err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("Install complete")
}
