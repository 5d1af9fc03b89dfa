// Command reverie runs the companion core: an interactive session on stdin
// with the full orchestration pipeline behind it.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reverie/internal/config"
	"reverie/internal/core"
	"reverie/internal/logging"
	"reverie/internal/types"
)

var (
	configPath string
	sessionID  string
)

func main() {
	root := &cobra.Command{
		Use:   "reverie",
		Short: "A persistent digital companion core",
		Long:  "reverie keeps a persona, episodic memory, and a live world model behind a streaming conversation loop.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", ".reverie/config.yaml", "path to config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive session",
		RunE:  runSession,
	}
	runCmd.Flags().StringVar(&sessionID, "session", "default", "session id for working memory and recall")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.DefaultConfig()
			fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
		},
	}

	root.AddCommand(runCmd, versionCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSession(cmd *cobra.Command, args []string) error {
	zlog, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer zlog.Sync()
	log := zlog.Sugar()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logging.Initialize("."); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.CloseAll()

	orch, err := core.New(cfg)
	if err != nil {
		return fmt.Errorf("wire orchestrator: %w", err)
	}
	if err := orch.Awaken(); err != nil {
		return fmt.Errorf("awaken: %w", err)
	}
	log.Infow("awake", "persona", cfg.Persona.Path, "provider", cfg.LLM.Provider)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace.Std())
		defer cancel()
		if err := orch.Shutdown(ctx); err != nil {
			log.Warnw("shutdown incomplete", "error", err)
		}
		os.Exit(0)
	}()

	fmt.Println("reverie is listening. /status /sleep /wake /quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done := handleCommand(orch, log, line); done {
				break
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.LLM.Timeout.Std())
		tokens, err := orch.ProcessInput(ctx, core.Input{
			SessionID: sessionID,
			Content:   line,
			Source:    "cli",
		})
		if err != nil {
			cancel()
			log.Warnw("request rejected", "error", err)
			continue
		}
		for tok := range tokens {
			if tok.Err != nil {
				log.Debugw("stream degraded", "error", tok.Err)
			}
			fmt.Print(tok.Text)
		}
		fmt.Println()
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace.Std())
	defer cancel()
	return orch.Shutdown(ctx)
}

func handleCommand(orch *core.Orchestrator, log *zap.SugaredLogger, line string) (quit bool) {
	switch line {
	case "/quit", "/exit":
		return true
	case "/status":
		printStatus(orch.Status())
	case "/sleep":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := orch.Sleep(ctx); err != nil {
			log.Warnw("sleep failed", "error", err)
		} else {
			fmt.Println("hibernating (next message wakes me)")
		}
	case "/wake":
		if err := orch.Awaken(); err != nil {
			log.Warnw("wake failed", "error", err)
		} else {
			fmt.Println("awake")
		}
	default:
		fmt.Println("commands: /status /sleep /wake /quit")
	}
	return false
}

func printStatus(st types.StatusReport) {
	fmt.Printf("state: %s (idle %v)\n", st.State, st.IdleFor.Round(time.Second))
	fmt.Printf("requests: %d  fast: %d  deep: %d  degraded: %d  fallback bundles: %d\n",
		st.Requests, st.FastPathHits, st.DeepResponses, st.DegradedResponses, st.FallbackBundles)
	fmt.Printf("source fallbacks: working=%d world=%d recall=%d\n",
		st.WorkingFallbacks, st.WorldFallbacks, st.RecallFallbacks)
	fmt.Printf("persona version: %d  outstanding effects: %d\n", st.PersonaVersion, st.OutstandingTasks)
	for _, t := range st.BackgroundTasks {
		status := "ok"
		if t.LastError != "" {
			status = t.LastError
		}
		fmt.Printf("  loop %-20s every %-6v runs=%d failures=%d last=%s\n",
			t.Name, t.Interval, t.Runs, t.Failures, status)
	}
}
