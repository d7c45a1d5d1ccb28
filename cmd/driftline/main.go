package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/driftline/driftline/internal/application"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/store"
)

const (
	appName = "driftline"
	version = "v0.4.0"
)

// runtimeError marks a failure after startup completed, so main can
// exit with 2 instead of 1: supervisors treat 1 as "fix the config
// and retry" and 2 as "the process died mid-run".
type runtimeError struct{ err error }

func (e runtimeError) Error() string { return e.err.Error() }
func (e runtimeError) Unwrap() error { return e.err }

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	// A .env next to the binary is a development convenience; absence
	// is not an error.
	_ = godotenv.Load()

	var (
		cfgPath  string
		logLevel string
	)

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Market data collection and trading signal pipeline",
		Version: version,
		Long: `driftline collects market observations on tiered cadences, runs
trading strategies over them, and fans the aggregated signals out to
alert files and notification channels. 'driftline run' starts the
daemon; the other commands inspect a running instance.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config/driftline.yaml", "Path to the YAML config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (trace..panic)")
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the collection and signal daemon",
		Long:  "Loads the config and strategy profile, wires the pipeline and runs until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cfgPath, logLevel)
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running instance's health report",
		Long:  "Fetches /health from the status server and prints the JSON report. Exits 1 when the pipeline is down.",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			return queryHealth(cfgPath, addr)
		},
	}
	healthCmd.Flags().String("addr", "", "Status server address (default from config)")

	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "List task states of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			return queryTasks(cfgPath, addr)
		},
	}
	tasksCmd.Flags().String("addr", "", "Status server address (default from config)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("driftline failed")
		var re runtimeError
		if errors.As(err, &re) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// setupLogger routes human-readable output to a terminal and JSON
// everywhere else.
func setupLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", level, err)
	}
	var out io.Writer = os.Stderr
	if term.IsTerminal(int(os.Stderr.Fd())) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	logger := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	log.Logger = logger
	return logger, nil
}

func loadConfig(cfgPath, logLevel string) (config.Config, config.Profile, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, config.Profile{}, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	profile, err := config.LoadProfile(cfg.Strategies.Profile)
	if err != nil {
		return config.Config{}, config.Profile{}, fmt.Errorf("load profile: %w", err)
	}
	return cfg, profile, nil
}

func runDaemon(cfgPath, logLevel string) error {
	cfg, profile, err := loadConfig(cfgPath, logLevel)
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	app, err := application.New(application.Options{
		Config:  cfg,
		Profile: profile,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("Cleanup failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("version", version).Str("config", cfgPath).Msg("driftline starting")
	if err := app.Run(ctx); err != nil {
		return runtimeError{err}
	}
	return nil
}

// statusAddr resolves the status server address: explicit flag first,
// then the config file, then the built-in default.
func statusAddr(cfgPath, flagAddr string) string {
	if flagAddr != "" {
		return flagAddr
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Default()
	}
	return fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
}

func fetchJSON(addr, path string) ([]byte, int, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return nil, 0, fmt.Errorf("status server unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func queryHealth(cfgPath, flagAddr string) error {
	addr := statusAddr(cfgPath, flagAddr)
	body, status, err := fetchJSON(addr, "/health")
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err == nil {
		fmt.Println(buf.String())
	} else {
		fmt.Println(string(body))
	}
	if status != http.StatusOK {
		return fmt.Errorf("pipeline reports down (HTTP %d)", status)
	}
	return nil
}

func queryTasks(cfgPath, flagAddr string) error {
	addr := statusAddr(cfgPath, flagAddr)
	body, status, err := fetchJSON(addr, "/tasks")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("tasks endpoint returned HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}

	var payload struct {
		LastTickMs int64 `json:"last_tick_ms"`
		Tasks      []struct {
			TaskID              string `json:"task_id"`
			Tier                string `json:"tier"`
			LastRunMs           int64  `json:"last_run_ms"`
			LastSuccessMs       int64  `json:"last_success_ms"`
			ConsecutiveFailures int    `json:"consecutive_failures"`
			DisabledUntilMs     int64  `json:"disabled_until_ms"`
			Inflight            bool   `json:"inflight"`
			NextEligibleMs      int64  `json:"next_eligible_ms"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode tasks: %w", err)
	}

	fmt.Printf("%-24s %-16s %-22s %-22s %9s %s\n",
		"TASK", "TIER", "LAST RUN", "LAST SUCCESS", "FAILURES", "STATE")
	for _, ti := range payload.Tasks {
		state := "idle"
		switch {
		case ti.Inflight:
			state = "running"
		case ti.DisabledUntilMs == store.DisabledForever:
			state = "disabled"
		case ti.DisabledUntilMs > 0:
			state = "backing off"
		}
		fmt.Printf("%-24s %-16s %-22s %-22s %9d %s\n",
			ti.TaskID, ti.Tier, fmtMs(ti.LastRunMs), fmtMs(ti.LastSuccessMs),
			ti.ConsecutiveFailures, state)
	}
	return nil
}

func fmtMs(ms int64) string {
	if ms <= 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}
