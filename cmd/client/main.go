package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"e2e_room_chat/internal/config"
	"e2e_room_chat/internal/identity"
	"e2e_room_chat/internal/live"
	"e2e_room_chat/internal/repository/local"
	"e2e_room_chat/internal/service/app"
	redisSvc "e2e_room_chat/internal/service/redis"
	"e2e_room_chat/internal/service/transport"
	"e2e_room_chat/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "client <user> <room>",
		Short: "Terminal client for an end-to-end encrypted chat room",
		Long: `The client loads or creates this device's RSA identity, publishes its public
key, joins the room and decrypts history and live messages locally.

Commands typed in the input line:
  /rotate          issue a new room key to every member with a published key
  /invite <user>   add a member (creates the room on first use)
  /kick <user>     remove a member
  /quit`,
		Example: `  # Join room "general" as alice with the default bolt identity store
  client alice general

  # Keep the identity in redis instead
  client alice general --identity-backend redis`,
		Args:         cobra.RangeArgs(0, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			for key, flag := range map[string]string{
				"client.server_url": "server",
				"identity.backend":  "identity-backend",
				"identity.path":     "identity-path",
				"log.file":          "log-file",
			} {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			if len(args) > 0 {
				v.Set("client.user_id", args[0])
			}
			if len(args) > 1 {
				v.Set("client.room_id", args[1])
			}
			cfg, err := config.ParseConfig(v)
			if err != nil {
				return err
			}
			if cfg.Client.UserID == "" || cfg.Client.RoomID == "" {
				return errors.New("a user and a room are required")
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "", "path to a YAML configuration file")
	cmd.Flags().String("server", "", "relay URL, overrides client.server_url")
	cmd.Flags().String("identity-backend", "", `identity store, "bolt" or "redis"`)
	cmd.Flags().String("identity-path", "", "bolt file holding the identity")
	cmd.Flags().String("log-file", "client.log", "log destination, the terminal belongs to the UI")
	return cmd
}

func openIdentityStore(ctx context.Context, cfg *config.Config) (local.KV, func(), error) {
	switch cfg.Identity.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		kv := redisSvc.NewRedis(rdb, "identity:"+cfg.Client.UserID)
		if err := kv.Ping(ctx); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return kv, func() { rdb.Close() }, nil
	default:
		kv, err := local.OpenBolt(cfg.Identity.Path)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() { kv.Close() }, nil
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := log.Init(cfg.Log); err != nil {
		return err
	}
	defer log.Sync()

	kv, closeKV, err := openIdentityStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeKV()

	keys, err := identity.NewStore(kv, identity.WithKeyBits(cfg.Identity.KeyBits)).LoadOrCreate(ctx)
	if err != nil {
		return err
	}

	api, err := transport.NewAPI(cfg.Client.ServerURL, cfg.Client.UserID, cfg.Client.HTTPTimeout)
	if err != nil {
		return err
	}
	if err := api.PutPublicKey(ctx, keys.PublicJWK()); err != nil {
		return fmt.Errorf("publish public key: %w", err)
	}
	dialer, err := transport.NewWSDialer(cfg.Client.ServerURL, cfg.Client.UserID)
	if err != nil {
		return err
	}

	log.Info("starting client", zap.String("user", cfg.Client.UserID), zap.String("room", cfg.Client.RoomID))
	a := app.NewApp(app.Options{
		Channel: live.Options{
			RoomID:   cfg.Client.RoomID,
			UserID:   cfg.Client.UserID,
			Dialer:   dialer,
			Identity: keys,
			Fetcher:  api,
			PageSize: cfg.Client.PageSize,
		},
		API: api,
	})
	return a.Run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
