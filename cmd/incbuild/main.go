package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/incbuild/internal/analysis"
	"git.home.luguber.info/inful/incbuild/internal/cachework"
	"git.home.luguber.info/inful/incbuild/internal/classpath"
	"git.home.luguber.info/inful/incbuild/internal/compile"
	"git.home.luguber.info/inful/incbuild/internal/config"
	"git.home.luguber.info/inful/incbuild/internal/depcheck"
	"git.home.luguber.info/inful/incbuild/internal/eventstore"
	"git.home.luguber.info/inful/incbuild/internal/invalidation"
	"git.home.luguber.info/inful/incbuild/internal/metrics"
	"git.home.luguber.info/inful/incbuild/internal/scm"
	"git.home.luguber.info/inful/incbuild/internal/version"
	"git.home.luguber.info/inful/incbuild/internal/workspace"
)

var CLI struct {
	Config  string           `short:"c" help:"Configuration file path" env:"INCBUILD_CONFIG" default:"incbuild.yaml"`
	Verbose bool             `short:"v" help:"Enable verbose logging" env:"INCBUILD_VERBOSE"`
	Version kong.VersionFlag `help:"Print version and exit"`

	Build struct {
		Manifest string `short:"m" help:"Target manifest path" env:"INCBUILD_MANIFEST" default:"targets.yaml"`
		Compiler string `help:"Compiler executable invoked once per partition" env:"INCBUILD_COMPILER" default:"javac-wrapper"`
	} `cmd:"" help:"Compile the manifest's targets incrementally"`

	Hints struct {
		Manifest string `short:"m" help:"Target manifest path" env:"INCBUILD_MANIFEST" default:"targets.yaml"`
	} `cmd:"" help:"Show which targets are invalid and how they would partition"`

	History struct {
		Limit int `help:"Maximum builds to show" default:"10"`
	} `cmd:"" help:"Show recent builds from the event journal"`
}

func main() {
	// Optional .env overlay for the env-tagged flags.
	_ = godotenv.Load()

	ctx := kong.Parse(&CLI, kong.Vars{"version": version.Version})

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(CLI.Config)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	switch ctx.Command() {
	case "build":
		if err := runBuild(cfg, CLI.Build.Manifest, CLI.Build.Compiler); err != nil {
			slog.Error("Build failed", "error", err)
			os.Exit(1)
		}
	case "hints":
		if err := runHints(cfg, CLI.Hints.Manifest); err != nil {
			slog.Error("Hints failed", "error", err)
			os.Exit(1)
		}
	case "history":
		if err := runHistory(cfg, CLI.History.Limit); err != nil {
			slog.Error("History failed", "error", err)
			os.Exit(1)
		}
	}
}

// loadConfig reads the configuration file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

func runBuild(cfg *config.Config, manifestPath, compiler string) error {
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	slog.Info("Starting incremental build",
		"build_root", cfg.BuildRoot,
		"targets", len(m.Targets))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	layout := workspace.NewLayout(cfg.Workdir)
	tools := analysis.NewFileTools(cfg.BuildRoot)
	strategy := compile.NewStrategy(cfg, layout, tools, slog.Default())
	strategy.SetBootClasspath(m.BootClasspath())
	strategy.SetChangeDetector(scm.NewGitDetector(cfg.BuildRoot))

	if cfg.MetricsListen != "" {
		reg := prom.NewRegistry()
		strategy.SetRecorder(metrics.NewPrometheusRecorder(reg))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListen, metrics.HTTPHandler(reg)); err != nil {
				slog.Warn("Metrics endpoint stopped", "error", err)
			}
		}()
	}

	if cfg.EventLog != "" {
		store, err := eventstore.NewSQLiteStore(cfg.EventLog)
		if err != nil {
			return fmt.Errorf("open event journal: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				slog.Warn("Failed to close event journal", "error", err)
			}
		}()
		strategy.SetEventStore(store)
	}

	var cache cachework.ArtifactCache
	if cfg.CacheDir != "" {
		dirCache, err := cachework.NewDirCache(cfg.CacheDir)
		if err != nil {
			return fmt.Errorf("open artifact cache: %w", err)
		}
		runner := cachework.NewRunner(64, 2, slog.Default())
		runner.Start(ctx)
		strategy.SetCacheWork(dirCache, runner)
		cache = dirCache
	}

	if cfg.DepCheck.Enabled() {
		strategy.SetDepAnalyzer(depcheck.New(cfg.DepCheck, m.BuildView(cfg.BuildRoot), slog.Default()))
	}

	sess, err := strategy.NewSession()
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		strategy.Shutdown(stopCtx)
	}()

	start := time.Now()
	checker := invalidation.NewFingerprintChecker(cfg.BuildRoot, layout.FingerprintsDir())

	check, err := buildCheck(ctx, strategy, sess, checker, cache, m.Targets)
	if err != nil {
		return journalFailure(ctx, strategy, sess, "check", err)
	}

	if err := sess.Prepare(ctx, check); err != nil {
		return journalFailure(ctx, strategy, sess, "prepare", err)
	}
	deleted, err := sess.DeletedSources()
	if err != nil {
		return journalFailure(ctx, strategy, sess, "prepare", err)
	}

	slog.Info("Invalidation check complete",
		"invalid_targets", len(check.InvalidVTS),
		"partitions", len(check.InvalidPartitioned),
		"deleted_sources", len(deleted))

	if len(check.InvalidVTS) == 0 {
		// Everything is valid; make the recorded products available without
		// running the compile loop.
		if err := sess.RegisterProducts(strategy.Layout().ValidAnalysis()); err != nil {
			return journalFailure(ctx, strategy, sess, "prepare", err)
		}
	}

	upstream := m.ClasspathEntries(cfg.BuildRoot)
	if err := sess.CompileChunk(ctx, check, upstream, nil, execCompiler(compiler, cfg.BuildRoot)); err != nil {
		return journalFailure(ctx, strategy, sess, "compile", err)
	}

	sources := 0
	for _, vts := range check.InvalidVTS {
		sources += vts.SourceCount()
	}
	if event, err := eventstore.NewBuildCompleted(sess.BuildID(), len(check.InvalidPartitioned), sources, time.Since(start)); err == nil {
		if err := eventstore.AppendEvent(ctx, strategy.EventStore(), event); err != nil {
			slog.Warn("Failed to journal build completion", "error", err)
		}
	}

	slog.Info("Build complete",
		"build_id", sess.BuildID(),
		"sources_compiled", sources,
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// buildCheck runs the invalidation check, applies artifact-cache hits, and
// returns the check covering what is left to compile. A target set is a hit
// only when every one of its targets could be fetched; hits are reconciled
// into the analysis stores and committed before the misses are re-checked.
func buildCheck(ctx context.Context, strategy *compile.Strategy, sess *compile.Session,
	checker invalidation.Checker, cache cachework.ArtifactCache,
	targets []*invalidation.Target) (*invalidation.Check, error) {

	sizeHint, locallyChanged := strategy.InvalidationHints(ctx, targets)

	check, err := checker.Check(ctx, targets, sizeHint, locallyChanged)
	if err != nil {
		return nil, err
	}
	if cache == nil || len(check.InvalidVTS) == 0 {
		return check, nil
	}

	var hits []*invalidation.VersionedTargetSet
	for _, vts := range check.InvalidVTS {
		fetched := true
		for _, t := range vts.Targets {
			if t.NoCache {
				fetched = false
				break
			}
			key := t.SafeID() + "-" + vts.Fingerprint
			ok, err := cache.Fetch(ctx, key, strategy.Layout().Workdir())
			if err != nil {
				slog.Warn("Cache fetch failed", "target", t.ID, "error", err)
				fetched = false
				break
			}
			if !ok {
				fetched = false
				break
			}
		}
		if fetched {
			hits = append(hits, vts)
		}
	}
	if len(hits) == 0 {
		return check, nil
	}

	if err := sess.PostProcessCachedTargets(ctx, hits); err != nil {
		return nil, err
	}
	for _, vts := range hits {
		if err := vts.Update(); err != nil {
			return nil, err
		}
	}
	slog.Info("Applied cache hits", "target_sets", len(hits))

	// Hit fingerprints are committed, so re-checking yields only the misses,
	// partitioned afresh.
	return checker.Check(ctx, targets, sizeHint, locallyChanged)
}

// journalFailure records a failed build in the event journal and passes the
// error through.
func journalFailure(ctx context.Context, strategy *compile.Strategy, sess *compile.Session, stage string, cause error) error {
	if event, err := eventstore.NewBuildFailed(sess.BuildID(), stage, cause.Error()); err == nil {
		if err := eventstore.AppendEvent(ctx, strategy.EventStore(), event); err != nil {
			slog.Warn("Failed to journal build failure", "error", err)
		}
	}
	return cause
}

// execCompiler adapts an external compiler executable to the compile
// callback. The executable receives the analysis and classes destinations,
// the classpath, and the partition's sources, and is expected to update the
// analysis file in place.
func execCompiler(compiler, buildRoot string) compile.CompileFn {
	return func(ctx context.Context, targets []*invalidation.Target, sources []string,
		analysisOut string, cp []classpath.Entry, classesDir, progress string) error {

		args := []string{"--analysis", analysisOut, "--classes", classesDir}
		for _, e := range cp {
			args = append(args, "--classpath", e.Path)
		}
		args = append(args, sources...)

		slog.Info("Invoking compiler", "compiler", compiler, "progress", progress, "sources", len(sources))

		cmd := exec.CommandContext(ctx, compiler, args...)
		cmd.Dir = buildRoot
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("compiler %s: %w", compiler, err)
		}
		return nil
	}
}

func runHints(cfg *config.Config, manifestPath string) error {
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	layout := workspace.NewLayout(cfg.Workdir)
	if err := layout.EnsureDirs(); err != nil {
		return err
	}
	tools := analysis.NewFileTools(cfg.BuildRoot)
	strategy := compile.NewStrategy(cfg, layout, tools, slog.Default())
	strategy.SetChangeDetector(scm.NewGitDetector(cfg.BuildRoot))

	sizeHint, locallyChanged := strategy.InvalidationHints(ctx, m.Targets)

	checker := invalidation.NewFingerprintChecker(cfg.BuildRoot, layout.FingerprintsDir())
	check, err := checker.Check(ctx, m.Targets, sizeHint, locallyChanged)
	if err != nil {
		return err
	}

	fmt.Printf("targets: %d  invalid: %d  partitions: %d  size hint: %d\n",
		len(m.Targets), len(check.InvalidVTS), len(check.InvalidPartitioned), sizeHint)
	if locallyChanged != nil {
		fmt.Printf("locally changed: %d target(s) segregated into their own partition\n", len(locallyChanged))
	}
	for i, group := range check.InvalidPartitioned {
		fmt.Printf("partition %d:\n", i+1)
		for _, vts := range group {
			for _, id := range vts.TargetIDs() {
				fmt.Printf("  %s\n", id)
			}
		}
	}
	return nil
}

func runHistory(cfg *config.Config, limit int) error {
	if cfg.EventLog == "" {
		return fmt.Errorf("no event journal configured (set event_log in %s)", CLI.Config)
	}

	ctx := context.Background()

	store, err := eventstore.NewSQLiteStore(cfg.EventLog)
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	defer store.Close()

	projection := eventstore.NewBuildHistoryProjection(store, limit)
	if err := projection.Rebuild(ctx); err != nil {
		return err
	}

	history := projection.GetHistory()
	if len(history) == 0 {
		fmt.Println("no builds recorded")
		return nil
	}
	for _, b := range history {
		line := fmt.Sprintf("%s  %s  started %s  invalid=%d compiled=%d cache_hits=%d",
			b.BuildID, b.Status, b.StartedAt.Format(time.RFC3339),
			b.InvalidTargets, b.SourcesCompiled, b.CacheHitTargets)
		if b.Status == "failed" {
			line += fmt.Sprintf("  stage=%s error=%q", b.ErrorStage, b.ErrorMessage)
		}
		fmt.Println(line)
	}
	return nil
}
