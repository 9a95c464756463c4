// Command client runs the offline-first Kioku client replica: a local
// SQLite store, a durable sync queue, and a background Sync Manager
// that pushes and pulls against the server over HTTP. It also exposes
// -backup/-restore flags for snapshotting and recovering the local
// replica file.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nsfisis/kioku/internal/backup"
	"github.com/nsfisis/kioku/internal/config"
	"github.com/nsfisis/kioku/internal/localstore"
	"github.com/nsfisis/kioku/internal/observability"
	"github.com/nsfisis/kioku/internal/pushpull"
	"github.com/nsfisis/kioku/internal/syncmanager"
	"github.com/nsfisis/kioku/internal/syncqueue"
	"github.com/nsfisis/kioku/internal/transport"
)

func main() {
	backupNow := flag.Bool("backup", false, "write a backup of the local replica and exit")
	restoreFrom := flag.String("restore", "", "restore the local replica from the given backup file and exit")
	flag.Parse()

	logger := observability.NewLogger("client")

	dbPath := envOr("KIOKU_LOCAL_DB", "./data/kioku.db")
	backupDir := envOr("KIOKU_BACKUP_DIR", "./data/backups")
	backupMgr := backup.NewManager(dbPath, backupDir)

	if *restoreFrom != "" {
		if err := backupMgr.Restore(*restoreFrom); err != nil {
			logger.Fatal().Err(err).Msg("restore failed")
		}
		logger.Info().Str("from", *restoreFrom).Msg("replica restored, restart without -restore to sync")
		return
	}

	if *backupNow {
		path, err := backupMgr.Create(time.Now().UTC())
		if err != nil {
			logger.Fatal().Err(err).Msg("backup failed")
		}
		logger.Info().Str("path", path).Msg("backup written")
		return
	}

	cfg, err := config.Load(envOr("KIOKU_CONFIG", "./config.yaml"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	store, err := localstore.Open(dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open local replica")
	}
	defer store.Close()

	queue, err := syncqueue.Open(store.DB())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open sync queue")
	}

	userID, err := uuid.Parse(envOr("KIOKU_USER_ID", uuid.New().String()))
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid KIOKU_USER_ID")
	}

	httpTransport := transport.NewHTTPTransport(
		envOr("KIOKU_SERVER_URL", "http://localhost:8080"),
		envOr("KIOKU_AUTH_TOKEN", userID.String()),
		cfg.Sync.RequestTimeout(),
	)

	pusher := &pushpull.Pusher{
		Store:     store,
		Queue:     queue,
		Transport: httpTransport,
		BatchSize: 100,
	}
	puller := &pushpull.Puller{
		Store:     store,
		Transport: httpTransport,
		PageSize:  cfg.Sync.PullPageSize,
		UserID:    userID,
	}

	emitter := observability.NewEmitter()
	manager := syncmanager.New(pusher, puller, queue, cfg.Sync, emitter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go logEvents(logger, emitter.Subscribe())

	serverURL := envOr("KIOKU_SERVER_URL", "http://localhost:8080")
	go watchReachability(ctx, serverURL, manager)

	logger.Info().Str("userId", userID.String()).Msg("starting kioku client sync loop")
	go manager.Run(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down")
}

// watchReachability polls the server's health endpoint and feeds the
// result into the Sync Manager's SetOnline, the network-level
// counterpart to the tick timer: a dropped connection moves the
// manager to Offline well before a push/pull attempt would time out,
// and its return triggers an immediate resync instead of waiting out
// the rest of the backoff interval.
func watchReachability(ctx context.Context, serverURL string, manager *syncmanager.Manager) {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	probe := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/api/health", nil)
		if err != nil {
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			manager.SetOnline(false)
			return
		}
		resp.Body.Close()
		manager.SetOnline(resp.StatusCode < 500)
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// logEvents reports sync state transitions as they happen.
func logEvents(logger zerolog.Logger, ch <-chan observability.Event) {
	for ev := range ch {
		entry := logger.Info().Str("event", string(ev.Type)).Int("pending", ev.PendingN)
		if ev.Err != nil {
			entry = logger.Error().Str("event", string(ev.Type)).Err(ev.Err)
		}
		entry.Msg("sync_event")
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
