package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/engine"
)

func main() {
	var (
		enginePath = flag.String("engine", "", "Path to engine wasm build")
		dbPath     = flag.String("db", "", "Database path (default in-memory)")
		configPath = flag.String("config", "", "TOML config file")
		execSQL    = flag.String("exec", "", "Execute statements and exit")
		verbose    = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *enginePath != "" {
		cfg.Engine = *enginePath
	}
	if *dbPath != "" {
		cfg.Database = *dbPath
	}
	if cfg.Database == "" {
		cfg.Database = ":memory:"
	}

	if cfg.Engine == "" {
		fmt.Fprintln(os.Stderr, "Usage: quarry -engine <engine.wasm> [-db path] [-exec sql]")
		fmt.Fprintln(os.Stderr, "       quarry -engine <engine.wasm> -db app.db  (interactive shell)")
		fmt.Fprintln(os.Stderr, "       quarry -config quarry.toml")
		os.Exit(1)
	}

	if *verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		engine.SetLogger(logger)
	}

	if err := run(cfg, *execSQL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// fileConfig is the optional TOML configuration. Flags override file values.
type fileConfig struct {
	Engine      string   `toml:"engine"`
	Database    string   `toml:"database"`
	Pragmas     []string `toml:"pragmas"`
	CacheDir    string   `toml:"cache_dir"`
	MemoryPages uint32   `toml:"memory_limit_pages"`
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("can't unmarshal config %s: %w", path, err)
	}
	return cfg, nil
}

func run(cfg fileConfig, execSQL string) error {
	ctx := context.Background()

	wasm, err := os.ReadFile(cfg.Engine)
	if err != nil {
		return fmt.Errorf("read engine build: %w", err)
	}

	mountDir, guestPath := resolveDB(cfg.Database)

	rt, err := quarry.NewRuntime(ctx, wasm, quarry.Config{
		MemoryLimitPages: cfg.MemoryPages,
		CacheDir:         cfg.CacheDir,
		MountDir:         mountDir,
		Stderr:           os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("load engine: %w", err)
	}
	defer rt.Close(ctx)

	conn, err := rt.Open(ctx, guestPath, quarry.OpenReadWrite, quarry.OpenCreate)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Database, err)
	}

	for _, p := range cfg.Pragmas {
		if err := conn.Exec(ctx, "PRAGMA "+p); err != nil {
			_ = conn.Close(ctx)
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	// Piped input behaves like -exec so the shell composes with scripts.
	if execSQL == "" && !term.IsTerminal(int(os.Stdin.Fd())) {
		piped, err := io.ReadAll(os.Stdin)
		if err != nil {
			_ = conn.Close(ctx)
			return fmt.Errorf("read stdin: %w", err)
		}
		execSQL = string(piped)
	}

	if execSQL != "" {
		err := printRows(ctx, conn, execSQL, os.Stdout)
		if cerr := conn.Close(ctx); err == nil {
			err = cerr
		}
		return err
	}

	return runShell(rt, conn, cfg.Database)
}

// resolveDB splits a database path into the host directory to mount and the
// path the engine sees. In-memory and URI databases leave the working
// directory mounted so .open can still reach file-backed databases by
// relative path.
func resolveDB(path string) (mountDir, guestPath string) {
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		wd, err := os.Getwd()
		if err != nil {
			return "", path
		}
		return wd, path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", path
	}
	return filepath.Dir(abs), filepath.Base(abs)
}

// printRows executes every statement in sql and writes result rows to w, one
// line per row with tab-separated columns.
func printRows(ctx context.Context, c *quarry.Conn, sql string, w io.Writer) error {
	for strings.TrimSpace(sql) != "" {
		stmt, tail, err := c.Prepare(ctx, sql)
		if err != nil {
			return err
		}
		sql = tail
		if stmt == nil {
			continue
		}
		if err := streamRows(ctx, stmt, w); err != nil {
			_ = stmt.Close(ctx)
			return err
		}
		if err := stmt.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

func streamRows(ctx context.Context, stmt *quarry.Stmt, w io.Writer) error {
	cols, err := stmt.ColumnCount(ctx)
	if err != nil {
		return err
	}
	for {
		row, err := stmt.Step(ctx)
		if err != nil {
			return err
		}
		if !row {
			return nil
		}
		fields := make([]string, cols)
		for i := range fields {
			v, err := stmt.ColumnValue(ctx, i)
			if err != nil {
				return err
			}
			fields[i] = v.String()
		}
		if _, err := fmt.Fprintln(w, strings.Join(fields, "\t")); err != nil {
			return err
		}
	}
}
