package redirector

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/google/martian/mitm"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/tfkr-ae/redirector/db"
	"github.com/tfkr-ae/redirector/redirect"
)

// WithOptions applies a series of configuration functions to the proxy instance.
// It stops at the first option that fails.
func (proxy *Proxy) WithOptions(options ...func(*Proxy) error) error {
	for _, option := range options {
		err := option(proxy)
		if err != nil {
			return fmt.Errorf("applying option on redirector : %w", err)
		}
	}
	return nil
}

// WithViper makes the proxy read its configuration through v. Flags and environment
// variables bound on v by the caller take precedence over config.yaml.
// It has to be applied before WithConfigDir.
func WithViper(v *viper.Viper) func(*Proxy) error {
	return func(proxy *Proxy) error {
		if v == nil {
			return errors.New("viper instance is nil")
		}
		if proxy.Config == nil {
			proxy.Config = defaultConfig()
		}
		proxy.Config.viper = v
		return nil
	}
}

// WithConfigDir configures the proxy to use the specified configuration directory.
// It creates the directory if it doesn't exist, writes config.yaml with the defaults
// on first run and loads it into proxy.Config.
func WithConfigDir(appConfigDir string) func(*Proxy) error {
	return func(proxy *Proxy) error {
		logger := proxy.Logger.With().Str("scope", "CONFIG").Logger()

		_, err := os.ReadDir(appConfigDir)
		if err != nil {
			if os.IsNotExist(err) {
				logger.Info().Str("dir", appConfigDir).Msg("creating config dir")
				err := os.MkdirAll(appConfigDir, 0700)
				if err != nil {
					return fmt.Errorf("creating config dir %s: %w", appConfigDir, err)
				}
			} else {
				return fmt.Errorf("checking if directory exists %s: %w", appConfigDir, err)
			}
		}
		proxy.ConfigDir = appConfigDir

		if proxy.Config == nil {
			proxy.Config = defaultConfig()
		}
		v := proxy.Config.viper
		if v == nil {
			v = viper.New()
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(appConfigDir)
		setConfigDefaults(v)

		err = v.ReadInConfig()
		if err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("reading config file : %w", err)
			}
			logger.Info().Msg("writing default config file")
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("writing config file : %w", err)
			}
		}

		if err := v.Unmarshal(proxy.Config); err != nil {
			return fmt.Errorf("unmarshalling config to struct : %w", err)
		}
		proxy.Config.viper = v
		proxy.Config.ConfigDir = appConfigDir
		return proxy.Config.Validate()
	}
}

// WithLogger sets the logger used by the proxy and every component it creates
func WithLogger(logger zerolog.Logger) func(*Proxy) error {
	return func(proxy *Proxy) error {
		proxy.Logger = logger
		return nil
	}
}

// WithNotifyHandler takes a handler function that will be executed on each notification
func WithNotifyHandler(handler func(notification redirect.Notification)) func(*Proxy) error {
	return func(proxy *Proxy) error {
		if proxy.OnNotify != nil {
			return errors.New("proxy already has a notify handler defined")
		}
		proxy.OnNotify = handler
		return nil
	}
}

// WithResolver replaces the resolver selected from the configuration
func WithResolver(resolver redirect.Resolver) func(*Proxy) error {
	return func(proxy *Proxy) error {
		if resolver == nil {
			return errors.New("resolver is nil")
		}
		proxy.Resolver = resolver
		return nil
	}
}

// WithInterceptModifiers installs the proxy as martian's request and response modifier and
// builds the default pipeline. New applies it when no other option has.
func WithInterceptModifiers() func(*Proxy) error {
	return func(proxy *Proxy) error {
		if proxy.martianProxy == nil {
			return errors.New("proxy has no martianProxy")
		}
		if proxy.pipelineReady {
			return errors.New("intercept modifiers already installed")
		}
		proxy.martianProxy.SetRequestModifier(proxy)
		proxy.martianProxy.SetResponseModifier(proxy)

		proxy.AddRequestModifier(PreventLoopModifier)
		proxy.AddRequestModifier(SkipConnectRequestModifier)
		proxy.AddRequestModifier(SetupRequestModifier)
		proxy.AddRequestModifier(InterceptRequestModifier)

		proxy.AddResponseModifier(ResponseFilterModifier)
		proxy.AddResponseModifier(ObserveResponseModifier)
		proxy.AddResponseModifier(LogBodyResponseModifier)

		proxy.pipelineReady = true
		return nil
	}
}

// WithTLS will configure the proxy CA based on the proxy.ConfigDir, creating it on first run
func WithTLS() func(*Proxy) error {
	return func(proxy *Proxy) error {
		if proxy.ConfigDir == "" {
			return errors.New("config dir is not set")
		}
		logger := proxy.Logger.With().Str("scope", "TLS").Logger()

		var x509c *x509.Certificate
		var priv any
		var err error
		certPath := path.Join(proxy.ConfigDir, certFile)
		if _, err = os.Stat(certPath); os.IsNotExist(err) {
			logger.Info().Msg("certificate does not exist, creating a new one")
			x509c, priv, err = mitm.NewAuthority("Redirector", "Redirector Authority", 365*3*24*time.Hour)
			if err != nil {
				return fmt.Errorf("creating new mitm authority : %w", err)
			}

			if err := saveCertAndKey(x509c, priv, proxy.ConfigDir); err != nil {
				return fmt.Errorf("saving cert and key to disk: %w", err)
			}
		} else {
			logger.Info().Msg("loading existing cert")
			x509c, priv, err = loadCertAndKey(proxy.ConfigDir)
			if err != nil {
				return fmt.Errorf("loading cert and key from disk: %w", err)
			}
		}
		if time.Now().After(x509c.NotAfter) {
			logger.Warn().Time("not_after", x509c.NotAfter).Msg("certificate has expired, delete it to generate a new one")
		}

		proxy.SPKIHash = getSPKIHash(x509c)
		proxy.Cert = x509c
		logger.Info().Str("spki", proxy.SPKIHash).Msg("certificate ready")

		tlsc, err := mitm.NewConfig(x509c, priv)
		if err != nil {
			return fmt.Errorf("creating new mitm config : %w", err)
		}
		proxy.martianProxy.SetMITM(tlsc)
		tlsConfig := tlsc.TLS()

		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return fmt.Errorf("fetching system cert pool : %w", err)
		}
		tlsConfig.RootCAs = systemPool
		tlsConfig.RootCAs.AddCert(x509c)
		proxy.TLSConfig = tlsConfig
		return nil
	}
}

// WithRepo sets the repository and loads the hostname resolution configuration from it
func WithRepo(repo Repository) func(*Proxy) error {
	return func(proxy *Proxy) error {
		if proxy.Repo != nil {
			if err := proxy.Repo.Close(); err != nil {
				return err
			}
			proxy.Repo = nil
		}
		proxy.Repo = repo
		if err := proxy.SyncHostnameResolution(); err != nil {
			if !errors.Is(err, db.ErrNoResolutionConfig) {
				return fmt.Errorf("syncing hostname resolution : %w", err)
			}
			proxy.Logger.Warn().Str("scope", "CONFIG").Err(err).Msg("starting with an empty hostname resolution")
		}
		return nil
	}
}
