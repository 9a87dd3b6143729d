package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/xobj/pkg/cache"
	"github.com/jacktea/xobj/pkg/chunk"
	"github.com/jacktea/xobj/pkg/manager"
	"github.com/jacktea/xobj/pkg/repl"
	"github.com/jacktea/xobj/pkg/server/httpapi"
	"github.com/jacktea/xobj/pkg/server/middleware"
	"github.com/jacktea/xobj/pkg/shardid"
	"github.com/jacktea/xobj/pkg/superblock"
)

var version = "dev"

type app struct {
	ctx     context.Context
	mgr     *manager.Manager
	log     *logrus.Entry
	cleanup []func()
}

type stackOptions struct {
	Root      string
	BlockSize uint32
	Chunks    int
	Groups    []int
}

func parseGroups(raw []int) ([]shardid.PG, error) {
	if len(raw) == 0 {
		return nil, errors.New("at least one placement group is required (--groups)")
	}
	seen := make(map[shardid.PG]bool, len(raw))
	groups := make([]shardid.PG, 0, len(raw))
	for _, g := range raw {
		if g <= 0 || g > 0xffff {
			return nil, fmt.Errorf("placement group %d out of range (1..65535)", g)
		}
		pg := shardid.PG(g)
		if seen[pg] {
			return nil, fmt.Errorf("placement group %d listed twice", g)
		}
		seen[pg] = true
		groups = append(groups, pg)
	}
	return groups, nil
}

// ensureManager builds the full stack once: chunk pool, superblock db,
// the manager, and one log device per configured group. Recovery runs
// superblocks first, then the journals, so replay sees the surviving
// records before it re-applies entries.
func (a *app) ensureManager() error {
	if a.mgr != nil {
		return nil
	}
	log, err := newLogger(viper.GetString("log_level"), viper.GetString("log_format"))
	if err != nil {
		return err
	}
	opts := stackOptions{
		Root:      viper.GetString("root"),
		BlockSize: uint32(viper.GetInt("block_size")),
		Chunks:    viper.GetInt("chunks"),
		Groups:    viper.GetIntSlice("groups"),
	}
	groups, err := parseGroups(opts.Groups)
	if err != nil {
		return err
	}
	if opts.Chunks <= 0 {
		opts.Chunks = 1024
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return fmt.Errorf("init data dir: %w", err)
	}

	sb, err := superblock.NewBoltStore(superblock.BoltConfig{
		Path:    filepath.Join(opts.Root, "superblocks.db"),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("open superblock store: %w", err)
	}
	a.cleanup = append(a.cleanup, func() { _ = sb.Close() })

	pool := chunk.NewPool(opts.Chunks)
	m := manager.New(manager.Config{
		Allocator:   pool,
		Superblocks: sb,
		Log:         log,
	})

	ctx := context.Background()
	var devs []*repl.LogDevice
	for _, pg := range groups {
		if err := m.RegisterGroup(pg); err != nil {
			return fmt.Errorf("register group %d: %w", pg, err)
		}
		dev, err := repl.NewLogDevice(repl.LogConfig{
			Dir:       filepath.Join(opts.Root, "groups", strconv.Itoa(int(pg))),
			BlockSize: opts.BlockSize,
		}, m.OnCommit)
		if err != nil {
			return fmt.Errorf("open log device for group %d: %w", pg, err)
		}
		devs = append(devs, dev)
		a.cleanup = append(a.cleanup, func() { _ = dev.Close() })
		if err := m.AttachDevice(pg, dev); err != nil {
			return fmt.Errorf("attach device for group %d: %w", pg, err)
		}
	}

	if err := m.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for i, dev := range devs {
		if err := dev.Replay(ctx); err != nil {
			return fmt.Errorf("replay group %d: %w", groups[i], err)
		}
	}
	if err := m.WaitReplay(ctx); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	a.ctx = ctx
	a.mgr = m
	a.log = log
	return nil
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func newLogger(level, format string) (*logrus.Entry, error) {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	l.SetLevel(lvl)
	switch strings.ToLower(format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return logrus.NewEntry(l), nil
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "xobj",
		Short:         "xobj shard lifecycle manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return application.ensureManager()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	defer application.close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("xobj")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "xobj"))
		}
	}
	viper.SetEnvPrefix("XOBJ")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("root", ".xobj", "data directory (journals, chunks, superblocks)")
	rootCmd.PersistentFlags().Int("block-size", 512, "device block size in bytes")
	rootCmd.PersistentFlags().Int("chunks", 1024, "number of chunks in the allocation pool")
	rootCmd.PersistentFlags().IntSlice("groups", nil, "placement group ids served by this node")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text|json")

	bindConfig("root", rootCmd.PersistentFlags().Lookup("root"))
	bindConfig("block_size", rootCmd.PersistentFlags().Lookup("block-size"))
	bindConfig("chunks", rootCmd.PersistentFlags().Lookup("chunks"))
	bindConfig("groups", rootCmd.PersistentFlags().Lookup("groups"))
	bindConfig("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	bindConfig("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initCommands() {
	rootCmd.AddCommand(
		newServeCmd(),
		newCreateCmd(),
		newSealCmd(),
		newGetCmd(),
		newLsCmd(),
		newChunkCmd(),
		newVersionCmd(),
	)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the shard admin API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := httpapi.Options{
				APIKey: viper.GetString("serve.api_key"),
			}
			if n := viper.GetInt("serve.rate_limit"); n > 0 {
				opts.RateLimit = middleware.RateLimitOptions{
					Requests: n,
					Window:   viper.GetDuration("serve.rate_window"),
				}
			}
			server := &httpapi.Server{
				Manager: application.mgr,
				Cache:   cache.New(viper.GetInt("serve.cache_size"), viper.GetDuration("serve.cache_ttl")),
				Log:     application.log,
				Opts:    opts,
			}
			ctx, stop := signal.NotifyContext(application.ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			addr := viper.GetString("serve.addr")
			fmt.Fprintf(os.Stderr, "Serving shard API on %s\n", addr)
			if err := server.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Int("cache-size", 2048, "entries held by the shard record cache")
	cmd.Flags().Duration("cache-ttl", time.Minute, "time to keep cached shard records")
	bindConfig("serve.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve.cache_size", cmd.Flags().Lookup("cache-size"))
	bindConfig("serve.cache_ttl", cmd.Flags().Lookup("cache-ttl"))
	return cmd
}

func newCreateCmd() *cobra.Command {
	var sizeMB int
	cmd := &cobra.Command{
		Use:   "create <pg>",
		Short: "Create a shard in the given placement group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pg, err := parsePG(args[0])
			if err != nil {
				return err
			}
			info, err := application.mgr.CreateShard(application.ctx, pg, uint64(sizeMB)<<20).Wait(application.ctx)
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
	cmd.Flags().IntVar(&sizeMB, "size", 1024, "shard size in MiB")
	return cmd
}

func newSealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal <shard-id>",
		Short: "Seal a shard against further writes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseShardID(args[0])
			if err != nil {
				return err
			}
			info, err := application.mgr.GetShard(id)
			if err != nil {
				return err
			}
			sealed, err := application.mgr.SealShard(application.ctx, info).Wait(application.ctx)
			if err != nil {
				return err
			}
			return printJSON(sealed)
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <shard-id>",
		Short: "Print one shard record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseShardID(args[0])
			if err != nil {
				return err
			}
			info, err := application.mgr.GetShard(id)
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <pg>",
		Short: "List shards in a placement group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pg, err := parsePG(args[0])
			if err != nil {
				return err
			}
			if !application.mgr.HasGroup(pg) {
				return fmt.Errorf("unknown placement group %d", pg)
			}
			for _, info := range application.mgr.ListShards(pg) {
				fmt.Printf("%s\t%s\t%d\n", info.ID, info.State, info.Available)
			}
			return nil
		},
	}
}

func newChunkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chunk <pg>",
		Short: "Print the placement hint chunk for a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pg, err := parsePG(args[0])
			if err != nil {
				return err
			}
			ch, ok, err := application.mgr.AnyChunkOf(pg)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("group %d has no shards", pg)
			}
			fmt.Println(uint32(ch))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the xobj version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func parsePG(s string) (shardid.PG, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid placement group %q", s)
	}
	return shardid.PG(v), nil
}

func parseShardID(s string) (shardid.ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid shard id %q", s)
	}
	return shardid.ID(v), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
