package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ljn0099/picoWeatherCollector/internal/auth"
	"github.com/ljn0099/picoWeatherCollector/internal/config"
	"github.com/ljn0099/picoWeatherCollector/internal/db"
	"github.com/ljn0099/picoWeatherCollector/internal/ingest"
	"github.com/ljn0099/picoWeatherCollector/internal/logging"
	"github.com/ljn0099/picoWeatherCollector/internal/stationclient"
	"github.com/ljn0099/picoWeatherCollector/tools/migrate"
)

var errUnknownStation = errors.New("unknown station")

type app struct {
	verbose bool
	now     func() time.Time
}

func newRootCmd() *cobra.Command {
	return (&app{now: time.Now}).rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "stationctl",
		Short:        "Administer weather stations and their API keys",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log SQL and client activity")

	root.AddCommand(
		a.migrateCmd(),
		a.registerCmd(),
		a.issueKeyCmd(),
		a.revokeKeyCmd(),
		a.publishCmd(),
		a.statusCmd(),
	)
	return root
}

func (a *app) logger(cfg config.Config) *slog.Logger {
	if !a.verbose {
		return logging.Discard()
	}
	cfg.LogLevel = slog.LevelDebug
	return logging.New(cfg, "dev", "stationctl")
}

// withConn loads the configuration and runs fn on one database connection.
func (a *app) withConn(ctx context.Context, fn func(conn db.Conn, dialect db.Dialect) error) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	// One connection is all a CLI invocation needs.
	cfg.DBMaxConns = 1

	backend, err := db.OpenBackend(cfg, a.logger(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	conn, err := backend.Open(ctx)
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	return fn(conn, backend.Dialect)
}

func stationArg(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid station id %q: %w", s, err)
	}
	return id.String(), nil
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withConn(cmd.Context(), func(conn db.Conn, dialect db.Dialect) error {
				applied, err := migrate.Run(cmd.Context(), conn, dialect, a.logger(config.Config{}))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrations applied: %d\n", applied)
				return nil
			})
		},
	}
}

func (a *app) registerCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register a station and print its UUID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stationID := uuid.NewString()
			if id != "" {
				var err error
				if stationID, err = stationArg(id); err != nil {
					return err
				}
			}
			return a.withConn(cmd.Context(), func(conn db.Conn, dialect db.Dialect) error {
				if _, err := conn.Exec(cmd.Context(), dialect.InsertStation, stationID, args[0]); err != nil {
					return fmt.Errorf("insert station: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), stationID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "use this UUID instead of generating one")
	return cmd
}

func (a *app) issueKeyCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue-key <station-uuid>",
		Short: "Create an API key for a station and print it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stationID, err := stationArg(args[0])
			if err != nil {
				return err
			}

			raw := make([]byte, auth.KeySize)
			if _, err := rand.Read(raw); err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			key := auth.EncodeKey(raw)
			hash, err := auth.HashKey(key)
			if err != nil {
				return err
			}

			var expires any
			if ttl > 0 {
				expires = a.now().Add(ttl).UTC()
			}

			return a.withConn(cmd.Context(), func(conn db.Conn, dialect db.Dialect) error {
				n, err := conn.Exec(cmd.Context(), dialect.InsertAPIKey, hash, stationID, expires)
				if err != nil {
					return fmt.Errorf("insert api key: %w", err)
				}
				if n == 0 {
					return fmt.Errorf("%w: %s", errUnknownStation, stationID)
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "key lifetime; zero never expires")
	return cmd
}

func (a *app) revokeKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-key <station-uuid>",
		Short: "Revoke every live API key of a station",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stationID, err := stationArg(args[0])
			if err != nil {
				return err
			}
			return a.withConn(cmd.Context(), func(conn db.Conn, dialect db.Dialect) error {
				n, err := conn.Exec(cmd.Context(), dialect.RevokeAPIKeys, stationID, a.now().UTC())
				if err != nil {
					return fmt.Errorf("revoke api keys: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked keys: %d\n", n)
				return nil
			})
		},
	}
}

type brokerFlags struct {
	broker  string
	port    int
	timeout time.Duration
}

func (b *brokerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&b.broker, "broker", "localhost", "MQTT broker host")
	cmd.Flags().IntVar(&b.port, "port", 1883, "MQTT broker port")
	cmd.Flags().DurationVar(&b.timeout, "timeout", 10*time.Second, "connect timeout")
}

func (a *app) connect(cmd *cobra.Command, b brokerFlags, stationID, key string) (*stationclient.Client, error) {
	c := stationclient.NewClient(stationclient.Config{
		Broker:    b.broker,
		Port:      b.port,
		StationID: stationID,
		APIKey:    key,
	}, a.logger(config.Config{AppEnv: "dev"}))

	ctx, cancel := context.WithTimeout(cmd.Context(), b.timeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// flagName turns a scalar name into its CLI flag, e.g. wind_speed -> wind-speed.
func flagName(scalar string) string {
	return strings.ReplaceAll(scalar, "_", "-")
}

func (a *app) publishCmd() *cobra.Command {
	var (
		b          brokerFlags
		start, end int64
		values     [len(ingest.ScalarNames)]float32
	)
	cmd := &cobra.Command{
		Use:   "publish <station-uuid> <api-key>",
		Short: "Publish one measurement as a station",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stationID, err := stationArg(args[0])
			if err != nil {
				return err
			}
			m, err := a.measurement(cmd, start, end, values)
			if err != nil {
				return err
			}

			c, err := a.connect(cmd, b, stationID, args[1])
			if err != nil {
				return err
			}
			defer c.Disconnect()

			if err := c.PublishMeasurement(m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s\n", ingest.DataTopic(stationID))
			return nil
		},
	}
	b.register(cmd)
	cmd.Flags().Int64Var(&start, "start", 0, "period start, unix seconds (default: end - 60)")
	cmd.Flags().Int64Var(&end, "end", 0, "period end, unix seconds (default: now)")
	for i, name := range ingest.ScalarNames {
		cmd.Flags().Float32Var(&values[i], flagName(name), 0, "")
	}
	return cmd
}

// measurement assembles the payload from flags. Only flags given on the
// command line are present in the message.
func (a *app) measurement(cmd *cobra.Command, start, end int64, values [len(ingest.ScalarNames)]float32) (ingest.WeatherMeasurement, error) {
	if end == 0 {
		end = a.now().Unix()
	}
	if start == 0 {
		start = end - 60
	}
	if start <= 0 || end < start {
		return ingest.WeatherMeasurement{}, fmt.Errorf("invalid period [%d, %d)", start, end)
	}

	m := ingest.WeatherMeasurement{PeriodStart: uint64(start), PeriodEnd: uint64(end)}
	for i, name := range ingest.ScalarNames {
		if cmd.Flags().Changed(flagName(name)) {
			m.SetScalar(name, values[i])
		}
	}
	return m, m.Validate()
}

func (a *app) statusCmd() *cobra.Command {
	var b brokerFlags
	cmd := &cobra.Command{
		Use:   "status <station-uuid> <api-key> <status>",
		Short: "Publish a retained status message as a station",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			stationID, err := stationArg(args[0])
			if err != nil {
				return err
			}
			c, err := a.connect(cmd, b, stationID, args[1])
			if err != nil {
				return err
			}
			defer c.Disconnect()
			return c.PublishStatus(args[2])
		},
	}
	b.register(cmd)
	return cmd
}
