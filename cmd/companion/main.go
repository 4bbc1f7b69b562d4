package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/companion/internal/profile"
	"github.com/hrygo/companion/server"
	"github.com/hrygo/companion/store"
	"github.com/hrygo/companion/store/db"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "companion",
	Short: "Conversational companion that triages, routes and answers patient messages.",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return setupLogger(viper.GetString("mode"), viper.GetString("log-level"))
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		instanceProfile, err := loadProfile()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s, err := newServer(ctx, instanceProfile)
		if err != nil {
			return err
		}
		if err := s.Start(ctx); err != nil {
			s.Shutdown(context.Background())
			return errors.Wrap(err, "failed to start server")
		}
		printGreetings(instanceProfile)

		<-ctx.Done()
		s.Shutdown(context.WithoutCancel(ctx))
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	flags.String("log-level", "info", `log level, can be "debug", "info", "warn" or "error"`)
	flags.String("addr", "", "address of server")
	flags.Int("port", 8081, "port of server")
	flags.String("data", "", "data directory")
	flags.String("driver", "memory", `database driver, can be "memory", "sqlite" or "postgres"`)
	flags.String("dsn", "", "database source name")
	flags.String("secret", "", "secret signing API bearer tokens, empty disables authentication")
	flags.String("engine-mode", profile.EngineModeAgent, `engine mode, can be "agent" or "specialists"`)
	flags.String("specialists-file", "", "path of a specialist table overriding the embedded one")
	flags.String("timezone", "", "timezone of the users, default America/Lima")
	flags.String("redis-addr", "", "redis address for distributed session locks")

	for _, name := range []string{"mode", "log-level", "addr", "port", "data", "driver", "dsn", "secret", "engine-mode", "specialists-file", "timezone", "redis-addr"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("companion")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, chatCmd, tokenCmd)
}

// loadProfile reads flags and COMPANION_ variables through viper, then the
// engine and AI settings through the profile itself.
func loadProfile() (*profile.Profile, error) {
	instanceProfile := &profile.Profile{
		Mode:            viper.GetString("mode"),
		Addr:            viper.GetString("addr"),
		Port:            viper.GetInt("port"),
		Data:            viper.GetString("data"),
		Driver:          viper.GetString("driver"),
		DSN:             viper.GetString("dsn"),
		Secret:          viper.GetString("secret"),
		Version:         version,
		EngineMode:      viper.GetString("engine-mode"),
		SpecialistsFile: viper.GetString("specialists-file"),
		Timezone:        viper.GetString("timezone"),
		RedisAddr:       viper.GetString("redis-addr"),
	}
	instanceProfile.FromEnv()
	if err := instanceProfile.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return instanceProfile, nil
}

// newServer opens and migrates the database, then wires the server over it.
func newServer(ctx context.Context, instanceProfile *profile.Profile) (*server.Server, error) {
	dbDriver, err := db.NewDBDriver(instanceProfile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}
	storeInstance := store.New(dbDriver, instanceProfile)
	if err := storeInstance.Migrate(ctx); err != nil {
		_ = storeInstance.Close()
		return nil, errors.Wrap(err, "failed to migrate")
	}
	s, err := server.NewServer(ctx, instanceProfile, storeInstance)
	if err != nil {
		_ = storeInstance.Close()
		return nil, errors.Wrap(err, "failed to create server")
	}
	return s, nil
}

func setupLogger(mode, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if mode == "prod" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("companion %s started successfully!\n", p.Version)
	fmt.Printf("Mode: %s, engine: %s, driver: %s\n", p.Mode, p.EngineMode, p.Driver)
	if p.Addr == "" {
		fmt.Printf("Listening on port %d\n", p.Port)
	} else {
		fmt.Printf("Listening on %s:%d\n", p.Addr, p.Port)
	}
	if p.Secret == "" {
		fmt.Println("Authentication is disabled, set --secret to require bearer tokens")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
