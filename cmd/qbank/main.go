package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jinjjij/Capstone-Qbank/internal/config"
	"github.com/jinjjij/Capstone-Qbank/internal/extract"
	"github.com/jinjjij/Capstone-Qbank/internal/generate"
	"github.com/jinjjij/Capstone-Qbank/internal/handler"
	appI18n "github.com/jinjjij/Capstone-Qbank/internal/i18n"
	"github.com/jinjjij/Capstone-Qbank/internal/llm"
	"github.com/jinjjij/Capstone-Qbank/internal/metrics"
	"github.com/jinjjij/Capstone-Qbank/internal/model"
	"github.com/jinjjij/Capstone-Qbank/internal/store"
	"github.com/jinjjij/Capstone-Qbank/internal/tracing"
)

const (
	shutdownTimeout = 15 * time.Second
	sessionSweep    = time.Hour
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "qbank",
		Short:        "Question bank service with LLM question generation",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (text, json)")
	pf.String("log-file", "", "Also write logs to this file, rotated by size")

	serve := serveCmd()
	root.AddCommand(serve, generateCmd(), migrateCmd(), exportCmd(), importCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `qbank --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	config.RegisterServeFlags(f)
	f.String("admin-email", "", "Email of the admin account created on an empty database")
	f.String("admin-password", "", "Password of that account (or set QBANK_ADMIN_PASSWORD)")
	return cmd
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate questions from a file or a message and print them as JSON",
		RunE:  runGenerate,
	}
	f := cmd.Flags()
	config.RegisterServeFlags(f)
	f.StringP("file", "f", "", "Source document (PDF or text)")
	f.StringP("message", "m", "", "Free-form instructions")
	f.IntP("count", "n", 5, "Number of questions")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE:  runMigrate,
	}
	cmd.Flags().String("db", "qbank.db", "SQLite database path")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a book and its questions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "qbank.db", "SQLite database path")
	f.Int64("book-id", 0, "Book to export")
	f.String("code", "", "Book code to export (instead of --book-id)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a book from an export file",
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.String("db", "qbank.db", "SQLite database path")
	f.StringP("file", "f", "", "Export file to import (required)")
	f.String("author-email", "", "Owner of the imported book (required)")

	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("author-email")

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

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

	var out io.Writer = os.Stderr
	if path := v.GetString("log-file"); path != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(out, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("QBANK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("qbank")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/qbank")
	v.AddConfigPath("/etc/qbank")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// newPipeline connects to the configured model. Both results are nil when
// no model is configured.
func newPipeline(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*generate.Pipeline, *llm.Client) {
	if !cfg.LLM.Enabled() {
		slog.Warn("no LLM key configured, AI features are disabled")
		return nil, nil
	}
	client := llm.New(cfg.LLM.URL, cfg.LLM.Key, cfg.LLM.Model)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		// The endpoint may come up later; /api/ai/health reports its state.
		slog.Warn("LLM health check failed", "url", cfg.LLM.URL, "error", err)
	} else {
		slog.Info("LLM endpoint OK", "url", cfg.LLM.URL, "model", cfg.LLM.Model)
	}
	return generate.New(client, cfg.Generate(), m), client
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := appI18n.Init(cfg.Lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		shutdown, err := tracing.Setup("qbank", os.Stdout)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("failed to flush spans", "error", err)
			}
		}()
	}

	db, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(ctx, db, v.GetString("admin-email"), v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	m := metrics.New()
	pipeline, client := newPipeline(ctx, cfg, m)

	var pinger handler.Pinger
	if client != nil {
		pinger = client
	}
	h := handler.New(db, pipeline, pinger, cfg, m)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware)
	r.Use(m.Middleware)
	if cfg.Tracing {
		r.Use(tracing.Middleware)
	}
	h.Routes(r)

	go sweepSessions(ctx, db)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", cfg.Addr,
			"db", cfg.DBPath,
			"ai", pipeline != nil,
			"model", cfg.LLM.Model,
			"lang", cfg.Lang,
			"max_count", cfg.MaxCount,
			"batch_cap", cfg.BatchCap,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// sweepSessions removes expired login sessions until ctx is done.
func sweepSessions(ctx context.Context, db *store.Store) {
	t := time.NewTicker(sessionSweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := db.CleanupExpiredSessions(ctx)
			if err != nil {
				slog.Warn("session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("removed expired sessions", "count", n)
			}
		}
	}
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	pipeline, _ := newPipeline(cmd.Context(), cfg, nil)
	if pipeline == nil {
		return errors.New("an LLM key is required: set --llm-key or QBANK_LLM_KEY")
	}

	var source string
	if path := v.GetString("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		source, err = extract.Text(filepath.Base(path), "", data)
		if err != nil {
			return fmt.Errorf("extract text from %s: %w", path, err)
		}
		slog.Info("extracted source", "path", path, "chars", len([]rune(source)))
	}

	res, err := pipeline.Generate(cmd.Context(), generate.Request{
		SourceText:     source,
		FreeformPrompt: v.GetString("message"),
		Count:          v.GetInt("count"),
	})
	if err != nil {
		return err
	}
	return writeJSONOutput(v.GetString("output"), map[string]any{
		"runId": res.RunID,
		"items": res.Items,
	})
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	version, err := db.SchemaVersion(cmd.Context())
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	slog.Info("database is up to date", "db", v.GetString("db"), "schema_version", version)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	id := v.GetInt64("book-id")
	if code := strings.TrimSpace(v.GetString("code")); code != "" {
		b, err := db.GetBookByCode(ctx, code)
		if err != nil {
			return fmt.Errorf("find book %s: %w", code, err)
		}
		id = b.ID
	}
	if id <= 0 {
		return errors.New("--book-id or --code is required")
	}

	exp, err := db.ExportBook(ctx, id)
	if err != nil {
		return fmt.Errorf("export book %d: %w", id, err)
	}
	return writeJSONOutput(v.GetString("output"), exp)
}

func runImport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	email := strings.ToLower(strings.TrimSpace(v.GetString("author-email")))
	author, err := db.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("find author %s: %w", email, err)
	}

	path := v.GetString("file")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var exp model.BookExport
	if err := json.Unmarshal(data, &exp); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	b, imported, err := db.ImportBook(ctx, author.ID, exp, data)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	if !imported {
		slog.Info("file already imported, skipping", "path", path, "book_id", b.ID)
		return nil
	}
	slog.Info("imported book", "path", path, "book_id", b.ID, "code", b.BookCode, "questions", b.QuestionCount)
	return nil
}

func writeJSONOutput(outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}

// seedAdmin creates the first account as an admin when the database has no
// users and both an email and a password are given.
func seedAdmin(ctx context.Context, db *store.Store, email, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		slog.Info("no users yet; pass --admin-email and --admin-password to create an admin")
		return nil
	}

	hash, err := handler.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if _, err := db.CreateUser(ctx, model.User{
		Email:        email,
		PasswordHash: string(hash),
		IsAdmin:      true,
	}); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded admin user", "email", email)
	return nil
}
