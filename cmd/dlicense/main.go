// Package main is the entrypoint for the dlicense CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/MacJediWizard/decentrilicense/internal/activation"
	"github.com/MacJediWizard/decentrilicense/internal/airgap"
	"github.com/MacJediWizard/decentrilicense/internal/config"
	"github.com/MacJediWizard/decentrilicense/internal/election"
	"github.com/MacJediWizard/decentrilicense/internal/ledger"
	"github.com/MacJediWizard/decentrilicense/internal/license"
	"github.com/MacJediWizard/decentrilicense/internal/metrics"
	"github.com/MacJediWizard/decentrilicense/internal/session"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath  string
	licenseCode string
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", errorKind(err), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "dlicense",
		Short: "Decentralized offline license client",
		Long: `dlicense verifies license tokens fully offline, binds them to one
device on the local network and keeps a hash-chained usage ledger.

Run 'dlicense config init' to create a configuration, then
'dlicense set-root-key' and 'dlicense import' to install a token.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default ~/.dlicense/config.yml)")
	rootCmd.PersistentFlags().StringVar(&flags.licenseCode, "license", "", "license code to operate on when several are stored")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(flags),
		newImportCmd(flags),
		newSetRootKeyCmd(flags),
		newSetProductKeyCmd(flags),
		newActivateCmd(flags),
		newRebindCmd(flags),
		newVerifyCmd(flags),
		newStatusCmd(flags),
		newRecordCmd(flags),
		newExportCmd(flags),
		newLedgerCmd(flags),
		newSendCmd(flags),
		newFetchCmd(flags),
		newIssueCmd(),
		newEnvironmentCmd(),
		newServeCmd(flags),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dlicense %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// errorKind returns the stable kind of a taxonomy error for CLI output.
func errorKind(err error) string {
	var (
		chainErr      *license.ChainError
		decodeErr     *license.DecodeError
		ledgerErr     *ledger.Error
		electionErr   *election.Error
		activationErr *activation.Error
	)
	switch {
	case errors.As(err, &activationErr):
		return string(activationErr.Kind)
	case errors.As(err, &electionErr):
		return string(electionErr.Kind)
	case errors.As(err, &ledgerErr):
		return string(ledgerErr.Kind)
	case errors.As(err, &chainErr):
		return string(chainErr.Kind)
	case errors.As(err, &decodeErr):
		return string(decodeErr.Kind)
	default:
		return "Error"
	}
}

func (f *globalFlags) loadConfig() (*config.AgentConfig, string, error) {
	path := f.configPath
	if path == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

func newLogger(cfg *config.AgentConfig, verbose bool) zerolog.Logger {
	level := cfg.Level()
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().
		Level(level)
}

// env is everything a command needs to work on the local session.
type env struct {
	cfg     *config.AgentConfig
	path    string
	logger  zerolog.Logger
	session *session.Session
	metrics *metrics.PrometheusMetrics
	reg     *prometheus.Registry
}

func (e *env) Close() {
	if err := e.session.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("failed to close session")
	}
}

// openEnv builds the session from config. withDiscovery attaches the LAN
// transport, bound on first use by an election or the daemon.
func (f *globalFlags) openEnv(ctx context.Context, withDiscovery bool) (*env, error) {
	cfg, path, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, f.verbose)

	reg := prometheus.NewRegistry()
	m, err := metrics.NewPrometheusMetrics(reg)
	if err != nil {
		return nil, err
	}

	var transport election.Transport = election.NoopTransport{}
	if withDiscovery {
		transport = airgap.DiscoveryTransport(airgap.Enabled(cfg.AirGap), cfg.DiscoveryPort, logger)
	}

	sess, err := session.New(ctx, session.Config{
		StorageDir: cfg.StorageDir,
		DeviceID:   cfg.DeviceID,
		Algorithm:  cfg.Algorithm,
		Election:   cfg.ElectionConfig(),

		EnvironmentPolicy: cfg.EnvironmentPolicy(),
	},
		session.WithLogger(logger),
		session.WithTransport(transport),
		session.WithObserver(m),
	)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	e := &env{cfg: cfg, path: path, logger: logger, session: sess, metrics: m, reg: reg}
	if err := e.applyKeys(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *env) applyKeys() error {
	if e.cfg.RootKeyPath != "" {
		data, err := os.ReadFile(e.cfg.RootKeyPath)
		if err != nil {
			return fmt.Errorf("read root key: %w", err)
		}
		if err := e.session.SetRootKey(data); err != nil {
			return err
		}
	}
	if e.cfg.ProductKeyPath != "" {
		data, err := os.ReadFile(e.cfg.ProductKeyPath)
		if err != nil {
			return fmt.Errorf("read product key: %w", err)
		}
		if err := e.session.SetProductKey(data); err != nil {
			return err
		}
	}
	return nil
}

// load attaches the stored license selected by --license.
func (e *env) load(ctx context.Context, f *globalFlags) error {
	_, err := e.session.Load(ctx, f.licenseCode)
	return err
}
