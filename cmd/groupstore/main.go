// ABOUTME: Entry point for the groupstore operator CLI
// ABOUTME: Key generation, config setup, and read-only store inspection

package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/quietwire/groupstore/internal/config"
	"github.com/quietwire/groupstore/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the groupstore config file.
// Priority: GROUPSTORE_CONFIG env var > XDG_CONFIG_HOME/groupstore/config.yaml > ~/.config/groupstore/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("GROUPSTORE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "groupstore", "config.yaml")
}

// getDataPath returns the path to the groupstore data directory.
// Priority: XDG_DATA_HOME/groupstore > ~/.local/share/groupstore
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "groupstore")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Printf("groupstore %s\n\n", version)
		fmt.Println("Usage: groupstore <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  genkey       Generate a fresh encryption key")
		fmt.Println("  init         Create a new config file interactively")
		fmt.Println("  check        Open the store, validate the key, apply migrations")
		fmt.Println("  groups       List conversation groups")
		fmt.Println("  sync-groups  List device-sync groups")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "genkey":
		err = runGenKey()
	case "init":
		err = runInit()
	case "check":
		err = runCheck(ctx)
	case "groups":
		err = runGroups(ctx)
	case "sync-groups":
		err = runSyncGroups(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runGenKey prints a fresh random key as hex, suitable for key_hex or a key
// file. The key is printed once and never logged.
func runGenKey() error {
	key := store.GenerateKey()
	fmt.Println(hex.EncodeToString(key[:]))
	return nil
}

func runCheck(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(setupLogger(cfg.Logging))

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	green := color.New(color.FgGreen)
	green.Print("  ✓ ")
	if cfg.Database.Path != "" {
		fmt.Printf("Store OK: %s\n", cfg.Database.Path)
	} else {
		fmt.Println("Store OK: ephemeral")
	}
	return nil
}

func runGroups(ctx context.Context) error {
	return withConn(ctx, func(ctx context.Context, conn *store.DBConn) error {
		groups, err := conn.FindGroups(ctx, store.GroupFilter{IncludeDM: true})
		if err != nil {
			return fmt.Errorf("listing groups: %w", err)
		}
		printGroups("Conversation groups", groups)
		return nil
	})
}

func runSyncGroups(ctx context.Context) error {
	return withConn(ctx, func(ctx context.Context, conn *store.DBConn) error {
		groups, err := conn.FindSyncGroups(ctx)
		if err != nil {
			return fmt.Errorf("listing sync groups: %w", err)
		}
		printGroups("Sync groups", groups)
		return nil
	})
}

// withConn loads config, opens the store, pins one connection, and hands it
// to fn. Shared by the read-only inspection commands.
func withConn(ctx context.Context, fn func(context.Context, *store.DBConn) error) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(setupLogger(cfg.Logging))

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	conn, err := s.Conn(ctx)
	if err != nil {
		return fmt.Errorf("pinning connection: %w", err)
	}
	defer conn.Close()

	return fn(ctx, conn)
}

func openStore(ctx context.Context, cfg *config.Config) (*store.EncryptedStore, error) {
	opts := store.Ephemeral()
	if cfg.Database.Path != "" {
		opts = store.Persistent(cfg.Database.Path)
	}

	if cfg.Database.Encryption.Encrypted() {
		key, err := cfg.Database.Encryption.Key()
		if err != nil {
			return nil, fmt.Errorf("resolving encryption key: %w", err)
		}
		s, err := store.New(ctx, opts, key)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		return s, nil
	}

	s, err := store.NewUnencrypted(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

func printGroups(title string, groups []store.StoredGroup) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	cyan.Printf("  %s (%d)\n", title, len(groups))
	for _, g := range groups {
		fmt.Printf("  %x", g.ID)
		gray.Printf("  created=%d state=%d", g.CreatedAtNs, g.MembershipState)
		if g.DmID != nil {
			gray.Printf(" dm=%s", *g.DmID)
		}
		fmt.Println()
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("groupstore configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "groups.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Encryption
	fmt.Println("\n--- Encryption Configuration ---")
	encrypt := prompt(reader, "Encrypt the database?", "yes")
	encrypted := strings.ToLower(encrypt) == "yes" || strings.ToLower(encrypt) == "y"

	var keyPath string
	if encrypted {
		keyPath = prompt(reader, "Key file path", filepath.Join(filepath.Dir(outputFile), "store.key"))
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# groupstore configuration\n")
	cfg.WriteString("# Generated by groupstore init\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	if encrypted {
		cfg.WriteString("  encryption:\n")
		cfg.WriteString(fmt.Sprintf("    key_file: \"%s\"\n", keyPath))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Write the key file with a fresh key unless one already exists
	if encrypted {
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			key := store.GenerateKey()
			if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key[:])+"\n"), 0600); err != nil {
				return fmt.Errorf("writing key file: %w", err)
			}
			green := color.New(color.FgGreen)
			green.Printf("  ✓ Generated key: %s\n", keyPath)
		} else {
			fmt.Printf("  Using existing key: %s\n", keyPath)
		}
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo verify the store:")
	fmt.Printf("  groupstore check\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
