// Command coeditctl inspects and repairs co-edit session state from the
// operator's shell.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coedit/api/internal/archive"
	"coedit/api/internal/config"
	"coedit/api/internal/docstore"
	"coedit/api/internal/store"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(config.Load()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cliConfig resolves flags, COEDITCTL_* variables and the service's own
// environment, in that order.
type cliConfig struct {
	v *viper.Viper
}

func newRootCommand(defaults config.Config) *cobra.Command {
	cfg := &cliConfig{v: viper.New()}
	cmd := &cobra.Command{
		Use:           "coeditctl",
		Short:         "Inspect and repair co-edit sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("redis-url", defaults.RedisURL, "realtime store URL")
	flags.String("redis-prefix", defaults.RedisKeyPrefix, "realtime store key prefix")
	flags.String("database-url", defaults.DatabaseURL, "session history database URL")
	flags.String("archive-endpoint", defaults.ArchiveEndpoint, "document archive endpoint")
	flags.String("archive-bucket", defaults.ArchiveBucket, "document archive bucket")
	flags.String("archive-access-key", defaults.ArchiveAccessKey, "document archive access key")
	flags.String("archive-secret-key", defaults.ArchiveSecretKey, "document archive secret key")
	flags.String("archive-region", defaults.ArchiveRegion, "document archive region")
	flags.Bool("archive-insecure", defaults.ArchiveInsecure, "use plain HTTP for the archive")
	flags.StringP("output", "o", "text", "output format (text|json)")

	cfg.v.SetEnvPrefix("COEDITCTL")
	cfg.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cfg.v.AutomaticEnv()
	for _, name := range []string{
		"redis-url", "redis-prefix", "database-url",
		"archive-endpoint", "archive-bucket", "archive-access-key", "archive-secret-key", "archive-region", "archive-insecure",
		"output",
	} {
		if err := cfg.v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newSessionsCommand(cfg))
	cmd.AddCommand(newHistoryCommand(cfg))
	cmd.AddCommand(newArchiveCommand(cfg))
	return cmd
}

func (c *cliConfig) durable(ctx context.Context) (*docstore.RedisStore, func(), error) {
	opts, err := redis.ParseURL(c.v.GetString("redis-url"))
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	return docstore.New(client, docstore.WithPrefix(c.v.GetString("redis-prefix"))), func() { _ = client.Close() }, nil
}

func (c *cliConfig) history(ctx context.Context) (*store.PostgresStore, func(), error) {
	url := strings.TrimSpace(c.v.GetString("database-url"))
	if url == "" {
		return nil, nil, fmt.Errorf("session history is not configured (set --database-url or DATABASE_URL)")
	}
	db, err := store.Open(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(db), func() { closeDB(db) }, nil
}

func (c *cliConfig) archive() (*archive.Store, error) {
	endpoint := strings.TrimSpace(c.v.GetString("archive-endpoint"))
	if endpoint == "" {
		return nil, fmt.Errorf("document archive is not configured (set --archive-endpoint or ARCHIVE_ENDPOINT)")
	}
	return archive.New(archive.Config{
		Endpoint:  endpoint,
		Bucket:    c.v.GetString("archive-bucket"),
		AccessKey: c.v.GetString("archive-access-key"),
		SecretKey: c.v.GetString("archive-secret-key"),
		Region:    c.v.GetString("archive-region"),
		Insecure:  c.v.GetBool("archive-insecure"),
	})
}

func (c *cliConfig) jsonOutput() (bool, error) {
	switch strings.ToLower(strings.TrimSpace(c.v.GetString("output"))) {
	case "", "text":
		return false, nil
	case "json":
		return true, nil
	default:
		return false, fmt.Errorf("unsupported output %q (expected text or json)", c.v.GetString("output"))
	}
}

func closeDB(db *sql.DB) {
	_ = db.Close()
}

func writeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
