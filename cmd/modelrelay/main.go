package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/modelrelay/modelrelay/internal/cachetrack"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/obs"
	"github.com/modelrelay/modelrelay/internal/pool"
	"github.com/modelrelay/modelrelay/internal/refresh"
	"github.com/modelrelay/modelrelay/internal/server"
	"github.com/modelrelay/modelrelay/internal/typ"
	"github.com/modelrelay/modelrelay/internal/upstream"
	"github.com/modelrelay/modelrelay/internal/upstream/webchat"
)

// Set by the compiler via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
)

var settingsFile string

var rootCmd = &cobra.Command{
	Use:   "modelrelay",
	Short: "ModelRelay - unified AI inference gateway",
	Long: `ModelRelay exposes OpenAI-, Anthropic- and Gemini-style endpoints in front
of a pool of upstream credentials, translating between dialects, failing over
between accounts and keeping OAuth tokens fresh in the background.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logrus.SetLevel(logrus.TraceLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ModelRelay\nVersion:    %s\nGit Commit: %s\n", version, gitCommit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVarP(&settingsFile, "config", "c", "settings.yaml", "settings file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(settingsFile)
	if err != nil {
		return err
	}
	obs.Setup(settings.LogLevel, settings.LogFile)

	store, err := config.NewCredentialStore(settings.CredentialsFile)
	if err != nil {
		return err
	}
	usageCache := config.NewUsageCache(settings.UsageCacheFile)

	httpClient := upstream.NewHTTPClient(settings.ConnectTimeout())
	registry := upstream.NewRegistry()
	registry.Register(upstream.NewOpenAIAdapter(typ.ProviderOpenAI, httpClient))
	registry.Register(upstream.NewOpenAIAdapter(typ.ProviderOpenAIComp, httpClient))
	registry.Register(upstream.NewAnthropicAdapter(httpClient))
	registry.Register(upstream.NewGeminiAdapter(httpClient))
	registry.Register(webchat.New(httpClient))

	p := pool.New(store, settings)
	refresher := refresh.New(store, settings)
	refresher.Register(typ.ProviderAnthropic, upstream.NewAnthropicTokenSource(httpClient))

	var accountant server.Accountant
	if settings.RedisAddr != "" {
		accountant = cachetrack.New(settings.RedisAddr, settings.RedisPassword)
	} else {
		logrus.Info("no redis address configured, prompt-cache accounting disabled")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Probe every credential once on boot; failures degrade but never block.
	p.Warmup(ctx, func(ctx context.Context, c *typ.Credential) error {
		adapter := registry.For(c.ProviderKind)
		if adapter == nil {
			return fmt.Errorf("no adapter for provider kind %q", c.ProviderKind)
		}
		if reporter, ok := adapter.(upstream.UsageReporter); ok {
			snap, err := reporter.UsageLimits(ctx, c)
			if err != nil {
				return err
			}
			c.Usage = snap
			if err := usageCache.Put(c.ProviderKind, c.UUID, *snap); err != nil {
				logrus.Warnf("failed to persist usage snapshot for %s: %v", c.UUID, err)
			}
			return nil
		}
		_, err := adapter.ListModels(ctx, c)
		return err
	})

	go refresher.Run(ctx)

	catalog := upstream.NewCatalog(registry, upstream.DefaultCatalogTTL)
	srv := server.New(settings, p, registry, catalog, accountant)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()
	select {
	case <-ctx.Done():
		logrus.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
