package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tfkr-ae/redirector"
	"github.com/tfkr-ae/redirector/db"
	"github.com/tfkr-ae/redirector/redirect"
)

var AppVersion = "Development"

var rootCmd = &cobra.Command{
	Use:   "redirector",
	Short: "Redirector is an intercepting proxy that redirects one target to another",
	Long: "Redirector is an intercepting HTTP/HTTPS proxy that sends requests for an original " +
		"host, port and scheme to a replacement target, optionally rewriting the Host header and " +
		"overriding hostname resolution while the original host does not resolve.",
	SilenceUsage: true,
	RunE:         runRoot,
}

var resolutionCmd = &cobra.Command{
	Use:   "resolution",
	Short: "Show or replace the hostname resolution configuration",
	RunE:  runResolution,
}

var upstreamCmd = &cobra.Command{
	Use:   "upstream [host:port]",
	Short: "Show or persist the DNS server used to validate targets",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runUpstream,
}

func init() {
	defaultDir := "redirector"
	if dir, err := os.UserConfigDir(); err == nil {
		defaultDir = filepath.Join(dir, "redirector")
	}

	rootCmd.PersistentFlags().StringP("config-dir", "c", defaultDir, "Configuration directory")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "Rotating log file")

	rootCmd.Flags().StringP("bind", "b", "", "Bind address")
	rootCmd.Flags().StringP("port", "p", "", "Port")
	rootCmd.Flags().String("dns-upstream", "", "DNS server (host:port) used to validate targets, empty for the system resolver")
	rootCmd.Flags().Duration("dns-timeout", 0, "DNS query timeout")
	rootCmd.Flags().Bool("log-bodies", false, "Log decoded response bodies at debug level")
	rootCmd.Flags().BoolP("version", "v", false, "Show version")

	rootCmd.Flags().String("from-host", "", "Original host to redirect")
	rootCmd.Flags().String("from-port", "80", "Original port")
	rootCmd.Flags().Bool("from-https", false, "Original target uses HTTPS")
	rootCmd.Flags().String("to-host", "", "Replacement host")
	rootCmd.Flags().String("to-port", "80", "Replacement port")
	rootCmd.Flags().Bool("to-https", false, "Replacement target uses HTTPS")
	rootCmd.Flags().Bool("host-header", false, "Rewrite the Host header to the replacement host")

	resolutionCmd.Flags().String("set", "", "Replace the configuration with the JSON document in this file")
	rootCmd.AddCommand(resolutionCmd)

	upstreamCmd.Flags().Bool("system", false, "Switch back to the system resolver")
	rootCmd.AddCommand(upstreamCmd)

	// Bind the config keys to flags
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
	_ = viper.BindPFlag("default_address", rootCmd.Flags().Lookup("bind"))
	_ = viper.BindPFlag("default_port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("dns_upstream", rootCmd.Flags().Lookup("dns-upstream"))
	_ = viper.BindPFlag("dns_timeout", rootCmd.Flags().Lookup("dns-timeout"))
	_ = viper.BindPFlag("log_bodies", rootCmd.Flags().Lookup("log-bodies"))

	viper.SetEnvPrefix("REDIRECTOR")
	viper.AutomaticEnv()
}

// setup reads the configuration directory, builds the logger and opens the proxy with its
// database. The returned cleanup closes the log file.
func setup(cmd *cobra.Command, options ...func(*redirector.Proxy) error) (*redirector.Proxy, func(), error) {
	configDir, _ := cmd.Flags().GetString("config-dir")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating config dir %s : %w", configDir, err)
	}

	// The logger is needed before the proxy loads the config, so read it once here
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("reading config file : %w", err)
		}
	}
	level := viper.GetString("log_level")
	if level == "" {
		level = "info"
	}
	logger, logCloser, err := newLogger(level, viper.GetString("log_file"))
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger : %w", err)
	}
	cleanup := func() {
		if logCloser != nil {
			logCloser.Close()
		}
	}

	dbConn, err := db.New(filepath.Join(configDir, "redirector.db"))
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("opening database : %w", err)
	}
	repo := db.NewRepository(dbConn)

	base := []func(*redirector.Proxy) error{
		redirector.WithLogger(logger),
		redirector.WithViper(viper.GetViper()),
		redirector.WithConfigDir(configDir),
		redirector.WithRepo(repo),
	}
	proxy, err := redirector.New(append(base, options...)...)
	if err != nil {
		repo.Close()
		cleanup()
		return nil, nil, err
	}
	return proxy, cleanup, nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	if showVer, _ := cmd.Flags().GetBool("version"); showVer {
		fmt.Printf("Redirector version %s\n", AppVersion)
		return nil
	}

	proxy, cleanup, err := setup(cmd, redirector.WithTLS())
	if err != nil {
		return err
	}
	defer cleanup()
	logger := proxy.Logger.With().Str("scope", "CLI").Logger()

	listener, err := proxy.GetListener(proxy.Config.DefaultAddress, proxy.Config.DefaultPort)
	if err != nil {
		proxy.Close()
		return err
	}
	logger.Info().
		Str("version", AppVersion).
		Str("spki", proxy.SPKIHash).
		Msg("install the CA from http://redirector.cert through the proxy")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- proxy.Serve(listener)
	}()

	if fromHost, _ := cmd.Flags().GetString("from-host"); fromHost != "" {
		if err := toggleFromFlags(cmd, proxy, logger); err != nil {
			logger.Error().Err(err).Msg("redirection was not activated")
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	select {
	case s := <-signals:
		logger.Info().Str("signal", s.String()).Msg("received signal")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("proxy stopped")
		}
	}

	closeErr := proxy.Close()
	listener.Close()
	if closeErr != nil {
		logger.Warn().Err(closeErr).Msg("shutdown finished with errors")
	}
	logger.Info().Msg("redirector exit")
	return nil
}

func toggleFromFlags(cmd *cobra.Command, proxy *redirector.Proxy, logger zerolog.Logger) error {
	flags := cmd.Flags()
	fromHost, _ := flags.GetString("from-host")
	fromPort, _ := flags.GetString("from-port")
	fromHTTPS, _ := flags.GetBool("from-https")
	toHost, _ := flags.GetString("to-host")
	toPort, _ := flags.GetString("to-port")
	toHTTPS, _ := flags.GetBool("to-https")
	hostHeader, _ := flags.GetBool("host-header")

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	id, err := proxy.Toggle(ctx,
		redirect.RawTarget{Host: fromHost, Port: fromPort, HTTPS: fromHTTPS},
		redirect.RawTarget{Host: toHost, Port: toPort, HTTPS: toHTTPS},
		hostHeader,
	)
	if err != nil {
		return err
	}
	if rule, ok := proxy.Registry.Rule(); ok {
		logger.Info().
			Int("rule", id).
			Str("from", rule.OriginalURL()).
			Str("to", rule.ReplacementURL()).
			Bool("dns_corrected", rule.DNSCorrected()).
			Msg("redirection active")
	}
	return nil
}

func runResolution(cmd *cobra.Command, args []string) error {
	proxy, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	defer proxy.Close()

	if file, _ := cmd.Flags().GetString("set"); file != "" {
		blob, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading %s : %w", file, err)
		}
		if err := proxy.SaveHostnameResolution(blob); err != nil {
			return err
		}
	}

	blob, err := proxy.LoadHostnameResolution()
	if err != nil {
		return err
	}
	_, err = io.WriteString(cmd.OutOrStdout(), string(blob)+"\n")
	return err
}

func runUpstream(cmd *cobra.Command, args []string) error {
	proxy, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	defer proxy.Close()

	useSystem, _ := cmd.Flags().GetBool("system")
	switch {
	case useSystem:
		err = proxy.Config.SetDNSUpstream("")
	case len(args) == 1:
		err = proxy.Config.SetDNSUpstream(args[0])
	}
	if err != nil {
		return err
	}

	server := proxy.Config.DNSUpstream
	if server == "" {
		server = "system"
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), server)
	return err
}
