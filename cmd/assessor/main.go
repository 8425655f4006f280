package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/assessor/internal/attempt"
	"github.com/pavelanni/assessor/internal/auth"
	"github.com/pavelanni/assessor/internal/catalog"
	"github.com/pavelanni/assessor/internal/handler"
	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/llm"
	"github.com/pavelanni/assessor/internal/llm/prompts"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/store"
)

func main() {
	// A missing .env is normal; the environment and flags still apply.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "assessor",
		Short: "Timed exam sessions with grading, mistake log and score history",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd(), reconcileCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `assessor --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// addStoreFlags registers the flags every command needs to reach the database.
func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db-driver", string(store.DriverSQLite), "Database driver (sqlite, postgres)")
	f.String("db", "assessor.db", "SQLite path or postgres connection string")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	addStoreFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSliceP("exams", "e", nil, "Catalog seed files to import at startup, JSON or YAML (repeatable)")
	f.StringP("lang", "l", "en", "Default message language (en, ru)")
	f.Bool("clamp-timer", false, "Bound client-reported remaining time by the time actually left")
	f.String("grade-scale", "", "Default grade scale, e.g. A=90,B=80,C=70,D=60,F=0")
	f.StringSlice("cors-origins", nil, "Allowed CORS origins (repeatable)")
	f.String("jwt-secret", "", "HMAC secret for access tokens (or set ASSESSOR_JWT_SECRET)")
	f.Duration("token-ttl", 8*time.Hour, "Access token lifetime")
	f.String("admin-password", "", "Initial admin password (or set ASSESSOR_ADMIN_PASSWORD)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("llm-url", "", "OpenAI-compatible API base URL; empty disables automatic essay grading")
	f.String("llm-key", "", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("redis-addr", "", "Redis address for the shared catalog cache; empty uses an in-process cache")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database number")
	f.Duration("cache-ttl", 5*time.Minute, "Catalog cache lifetime")
	f.Duration("reconcile-interval", 0, "Run reconciliation on this interval (0 disables)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [files...]",
		Short: "Import exam catalog files (JSON or YAML)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addStoreFlags(cmd)
	cmd.Flags().Bool("force", false, "Re-import files that changed since their last import")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export submitted results of an exam as JSON or XLSX",
		RunE:  runExport,
	}
	addStoreFlags(cmd)
	f := cmd.Flags()
	f.String("exam-id", "", "Exam to export (required)")
	f.StringP("format", "f", "json", "Output format (json, xlsx)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	_ = cmd.MarkFlagRequired("exam-id")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay missing mistake log and score history writes",
		RunE:  runReconcile,
	}
	addStoreFlags(cmd)
	cmd.Flags().Int("limit", 500, "Maximum sessions to reconcile in one run")
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("ASSESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("assessor")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/assessor")
	v.AddConfigPath("/etc/assessor")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// setup parses configuration, configures logging and opens the store.
func setup(cmd *cobra.Command) (*viper.Viper, *store.Store, error) {
	v := viperForCmd(cmd)
	setupLogging(v)

	driver := store.Driver(strings.ToLower(v.GetString("db-driver")))
	db, err := store.Open(cmd.Context(), driver, v.GetString("db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return v, db, nil
}

func newCatalog(v *viper.Viper, db *store.Store) (*catalog.Catalog, error) {
	ttl := v.GetDuration("cache-ttl")
	addr := v.GetString("redis-addr")
	if addr == "" {
		return catalog.New(db, catalog.NewMemoryCache(), ttl), nil
	}
	cache, err := catalog.NewRedisCache(addr, v.GetString("redis-password"), v.GetInt("redis-db"))
	if err != nil {
		return nil, err
	}
	slog.Info("using redis catalog cache", "addr", addr)
	return catalog.New(db, cache, ttl), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	v, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if _, err := catalog.ImportFiles(ctx, db, v.GetStringSlice("exams"), false); err != nil {
		return fmt.Errorf("import exams: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	scale, err := parseGradeScale(v.GetString("grade-scale"))
	if err != nil {
		return err
	}
	cat, err := newCatalog(v, db)
	if err != nil {
		return fmt.Errorf("catalog cache: %w", err)
	}

	var opts []attempt.Option
	if url := v.GetString("llm-url"); url != "" {
		variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
		if !prompts.IsValidVariant(variant) {
			slog.Warn("invalid prompt-variant, using standard", "variant", variant)
			variant = string(prompts.PromptStandard)
		}
		opts = append(opts, attempt.WithGrader(llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"), prompts.PromptVariant(variant))))
		slog.Info("automatic essay grading enabled", "url", url, "model", v.GetString("llm-model"), "variant", variant)
	}
	svc := attempt.NewService(db, cat, attempt.Config{
		ClampTimer: v.GetBool("clamp-timer"),
		GradeScale: scale,
	}, opts...)

	secret := v.GetString("jwt-secret")
	if secret == "" {
		if secret, err = randomSecret(); err != nil {
			return err
		}
		slog.Warn("no jwt-secret configured, tokens will not survive a restart")
	}
	tokens := auth.NewTokenService(secret, v.GetDuration("token-ttl"))

	h := handler.New(db, svc, tokens, handler.Config{
		Lang:          lang,
		CORSOrigins:   v.GetStringSlice("cors-origins"),
		SecureCookies: v.GetBool("secure-cookies"),
	})

	sched := gocron.NewScheduler(time.UTC)
	if every := v.GetDuration("reconcile-interval"); every > 0 {
		if _, err := sched.Every(every).Do(func() { reconcile(ctx, svc, 500) }); err != nil {
			return fmt.Errorf("schedule reconcile: %w", err)
		}
	}
	if _, err := sched.Every(time.Hour).Do(func() {
		if err := db.CleanupExpiredSessions(ctx); err != nil {
			slog.Warn("auth session cleanup failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	sched.StartAsync()
	defer sched.Stop()

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"db_driver", v.GetString("db-driver"),
			"lang", lang,
			"clamp_timer", v.GetBool("clamp-timer"),
			"reconcile_interval", v.GetDuration("reconcile-interval"),
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runImport(cmd *cobra.Command, args []string) error {
	v, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := catalog.ImportFiles(cmd.Context(), db, args, v.GetBool("force"))
	if err != nil {
		return err
	}
	slog.Info("import finished", "exams", n)
	return nil
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	v, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := attempt.NewService(db, catalog.New(db, catalog.NewMemoryCache(), time.Minute), attempt.Config{})
	report := reconcile(cmd.Context(), svc, v.GetInt("limit"))
	if report.Failed > 0 {
		return fmt.Errorf("%d sessions could not be reconciled", report.Failed)
	}
	return nil
}

func reconcile(ctx context.Context, svc *attempt.Service, limit int) attempt.ReconcileReport {
	report, err := svc.Reconcile(ctx, limit)
	if err != nil {
		slog.Error("reconcile failed", "error", err)
		return report
	}
	if report.Sessions > 0 {
		slog.Info("reconciled sessions", "sessions", report.Sessions, "mistakes", report.Mistakes,
			"history", report.History, "failed", report.Failed)
	}
	return report
}

// parseGradeScale reads "A=90,B=80,F=0". An empty string means the built-in scale.
func parseGradeScale(s string) ([]model.GradeThreshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var scale []model.GradeThreshold
	for _, part := range strings.Split(s, ",") {
		grade, val, ok := strings.Cut(part, "=")
		grade, val = strings.TrimSpace(grade), strings.TrimSpace(val)
		if !ok || grade == "" {
			return nil, fmt.Errorf("grade scale entry %q: want GRADE=PERCENT", part)
		}
		pct, err := strconv.ParseFloat(val, 64)
		if err != nil || pct < 0 || pct > 100 {
			return nil, fmt.Errorf("grade scale entry %q: percent must be between 0 and 100", part)
		}
		scale = append(scale, model.GradeThreshold{Grade: grade, MinPercent: pct})
	}
	return scale, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or ASSESSOR_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
