package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"meshcall/internal/core/domain"
	"meshcall/internal/infrastructure/docstore"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"
	"meshcall/pkg/validation"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	group := flag.String("group", "", "group whose call to watch (defaults to call.group_id)")
	asJSON := flag.Bool("json", false, "print one JSON object per change")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	log := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format).Sugar()
	defer log.Sync()

	groupID := cfg.Call.GroupID
	if *group != "" {
		groupID = *group
	}
	if err := validation.ValidateGroupID(groupID); err != nil {
		log.Fatalw("invalid group", "group_id", groupID, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := docstore.NewFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to open document store", "driver", cfg.Store.Driver, "error", err)
	}
	defer store.Close()

	w := newWatcher(store, domain.GroupID(groupID), os.Stdout, *asJSON, log)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorw("watch stopped", "group_id", groupID, "error", err)
		os.Exit(1)
	}
}
