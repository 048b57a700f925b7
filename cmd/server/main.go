package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_room_chat/internal/config"
	"e2e_room_chat/internal/repository/room"
	"e2e_room_chat/internal/service/server"
	"e2e_room_chat/internal/utils/log"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Relay for end-to-end encrypted chat rooms",
		Long: `The relay stores encrypted messages and wrapped room keys in mongo and
fans real-time events out to the members that have joined a room. It never
holds a room key.`,
		Example: `  # Start with defaults (localhost:9090, mongodb://localhost:27017)
  server

  # Start with a configuration file and a different listen address
  server --config relay.yaml --addr :8080`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			if err := v.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			if err := v.BindPFlag("mongo.uri", cmd.Flags().Lookup("mongo")); err != nil {
				return err
			}
			cfg, err := config.ParseConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "", "path to a YAML configuration file")
	cmd.Flags().String("addr", "", "listen address, overrides server.addr")
	cmd.Flags().String("mongo", "", "mongo connection URI, overrides mongo.uri")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := log.Init(cfg.Log); err != nil {
		return err
	}
	defer log.Sync()

	mongoDBClient, err := initMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		return err
	}
	defer mongoDBClient.Disconnect(context.Background())

	repo := room.NewRoomRepo(mongoDBClient.Database(cfg.Mongo.Database))
	if err := repo.EnsureIndexes(ctx); err != nil {
		return err
	}

	s := server.NewHttpServer(repo, server.WithMetrics(cfg.Server.Metrics))
	if err := s.Run(ctx, cfg.Server.Addr); err != nil {
		log.Error("relay stopped", zap.Error(err))
		return err
	}
	log.Info("relay stopped")
	return nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
