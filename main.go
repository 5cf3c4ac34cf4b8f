package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"hellogate/server"
)

const defaultConfigPath = "./config.yaml"

func main() {
	configPath := flag.String("config", os.Getenv("HELLOGATE_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = defaultConfigPath
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "discover":
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Provider.DiscoveryTimeout)
			defer cancel()
			if err := runDiscover(ctx, cfg, nil, os.Stdout); err != nil {
				logger.Error("provider discovery failed", "site", cfg.Provider.Site, "error", err)
				os.Exit(1)
			}
			return
		default:
			log.Fatalf("unknown command %q. Use 'discover' or no command to serve", args[0])
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	handler := application.Routes()
	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.ListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.ListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:         cfg.Server.HTTPSListenAddr,
			Handler:      handler,
			TLSConfig:    tlsCfg,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// runDiscover queries the provider and prints the discovered endpoints.
func runDiscover(ctx context.Context, cfg server.Config, client *http.Client, out io.Writer) error {
	if client == nil {
		client = cleanhttp.DefaultClient()
	}
	md, err := server.Discover(ctx, cfg.Provider.Site, client)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(md)
}

// loadConfig reads path when given. Without an explicit path a missing
// ./config.yaml means built-in defaults.
func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if explicit {
				return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
			}
			logger.Debug("no config file, using defaults", "path", path)
			return server.LoadConfig("")
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Provider.DiscoveryTimeout)
	defer cancel()

	logger.Info("probing provider discovery", "site", cfg.Provider.Site)
	if err := runDiscover(ctx, cfg, nil, io.Discard); err != nil {
		logger.Warn("provider discovery failed", "site", cfg.Provider.Site, "error", err,
			"note", "the greeting route keeps working but the protected path will deny access")
	} else {
		logger.Info("provider discovery succeeded", "site", cfg.Provider.Site)
	}

	creds := cfg.Credentials(logger)
	logger.Info("client credentials loaded", "client_id", creds.ClientID, "client_secret", creds.ClientSecret, "placeholder", creds.Placeholder())
	return nil
}

func runSetup(path string, in io.Reader, logger *slog.Logger) (server.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Printf("Creating configuration at %s. Press Enter to accept defaults.\n", path)

	cfg := server.DefaultConfig()

	cfg.Server.DevMode = askYesNo(reader, "Run in development mode?", true)
	if cfg.Server.DevMode {
		cfg.Server.ListenAddr = ask(reader, "Listen address", cfg.Server.ListenAddr)
	} else {
		domains := normalizeList(ask(reader, "Public domains (comma separated)", ""), nil)
		for len(domains) == 0 {
			fmt.Println("At least one domain is required in production.")
			domains = normalizeList(ask(reader, "Public domains (comma separated)", ""), nil)
		}
		cfg.Server.TLS.Domains = domains
		cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Provider.RedirectURI = "https://" + domains[0] + cfg.Routes.Callback
	}

	cfg.Provider.Site = strings.TrimSuffix(ask(reader, "OpenID Connect provider", cfg.Provider.Site), "/")
	cfg.Provider.RedirectURI = ask(reader, "Redirect URI registered with the provider", cfg.Provider.RedirectURI)
	cfg.Provider.Scopes = normalizeList(ask(reader, "Scopes (comma separated)", strings.Join(cfg.Provider.Scopes, ",")), cfg.Provider.Scopes)
	cfg.Provider.CredentialsFile = ask(reader, "Credentials file (ClientID=..., ClientSecret=...)", cfg.Provider.CredentialsFile)
	cfg.Sessions.Backend = ask(reader, "Session backend (memory, redis, sqlite)", cfg.Sessions.Backend)
	if cfg.Sessions.Backend == server.BackendRedis {
		cfg.Sessions.RedisAddr = ask(reader, "Redis address", "127.0.0.1:6379")
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Println("Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
