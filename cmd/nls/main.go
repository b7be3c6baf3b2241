package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/rojolang/nls-sdk-go/pkg/audio"
	"github.com/rojolang/nls-sdk-go/pkg/nls"
)

const (
	sdkName    = "nls-sdk-go"
	sdkVersion = "0.3.0"
)

var (
	verbose     bool
	gatewayURL  string
	token       string
	appKey      string
	metricsAddr string
	usePool     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "nls",
		Short:         "Speech gateway SDK CLI",
		Long:          "A command-line client for the speech gateway built on the nls connection engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine events at debug level")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "url", envOr("NLS_URL", "wss://nls-gateway.example.com/ws/v1"), "Gateway WebSocket URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("NLS_TOKEN"), "Access token sent as X-NLS-Token")
	rootCmd.PersistentFlags().StringVar(&appKey, "appkey", os.Getenv("NLS_APPKEY"), "Application key placed in command headers")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")
	rootCmd.PersistentFlags().BoolVar(&usePool, "pool", false, "Enable the preconnection pool")

	rootCmd.AddCommand(recognizeCmd())
	rootCmd.AddCommand(synthesizeCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// newEngine loads the configuration, applies the global flags and starts
// the metrics endpoint when requested. The returned cleanup closes both.
func newEngine() (*nls.Engine, func(), error) {
	cfg, err := nls.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.LogLevel = "DEBUG"
	}
	if usePool {
		cfg.PoolEnabled = true
	}
	if token == "" {
		return nil, nil, errors.New("no access token: pass --token or set NLS_TOKEN")
	}

	logger := nls.NewLogger(&nls.LogConfig{
		Level:  nls.ParseLogLevel(cfg.LogLevel),
		Pretty: true,
		Output: os.Stderr,
	})

	opts := []nls.Option{nls.WithLogger(logger)}
	var srv *http.Server
	if metricsAddr != "" {
		opts = append(opts, nls.WithRegisterer(prometheus.DefaultRegisterer))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
		logger.WithField("addr", metricsAddr).Info("Serving metrics")
	}

	engine, err := nls.NewEngine(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Close(ctx); err != nil {
			logger.WithError(err).Warn("Engine close timed out")
		}
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
	}
	return engine, cleanup, nil
}

func baseRequest(kind nls.Kind, sampleRate int) *nls.Request {
	return &nls.Request{
		Kind:       kind,
		URL:        gatewayURL,
		Token:      token,
		SampleRate: sampleRate,
		SDKName:    sdkName,
		SDKVersion: sdkVersion,
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		Long:  "Display the engine configuration loaded from .env and NLS_* variables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := nls.LoadConfig()
			if err != nil {
				return err
			}
			cfg.PrintConfig()

			fmt.Println()
			fmt.Printf("Gateway URL: %s\n", gatewayURL)
			fmt.Printf("Token: %s\n", maskString(token))
			if exp, ok := nls.TokenExpiry(token); ok {
				fmt.Printf("Token Expires: %s (in %s)\n", exp.Format(time.RFC3339), time.Until(exp).Round(time.Second))
			}
			fmt.Printf("App Key: %s\n", maskString(appKey))
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio devices",
		Long:  "List the audio devices PortAudio can see; input IDs are accepted by recognize --device",
		RunE: func(cmd *cobra.Command, args []string) error {
			dm := audio.NewDeviceManager(nls.NopLogger().Zerolog())
			if err := dm.Initialize(); err != nil {
				return err
			}
			defer dm.Terminate()

			fmt.Println("Available Audio Devices:")
			for _, d := range dm.Devices() {
				marker := ""
				switch {
				case d.IsDefaultInput && d.IsDefaultOutput:
					marker = " (Default In/Out)"
				case d.IsDefaultInput:
					marker = " (Default In)"
				case d.IsDefaultOutput:
					marker = " (Default Out)"
				}
				fmt.Printf("  %d: %s%s - %s, %s (%.0f Hz)\n",
					d.ID, d.Name, marker, d.Capabilities(), d.HostAPI, d.DefaultSampleRate)
			}
			return nil
		},
	}
}

// maskString hides all but the ends of a secret.
func maskString(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
