package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"parlor.gg/internal/oplog"
	"parlor.gg/internal/registry"
	"parlor.gg/internal/transport/httpapi"
	"parlor.gg/internal/transport/observer"
	"parlor.gg/internal/transport/ws"
)

// envConfig overlays PARLOR_* variables over the flag defaults; an
// explicit flag still wins.
type envConfig struct {
	Addr         string `env:"PARLOR_ADDR" envDefault:":8080"`
	RoomsPath    string `env:"PARLOR_ROOMS_CONFIG" envDefault:"./configs/rooms.yaml"`
	DataDir      string `env:"PARLOR_DATA_DIR" envDefault:"./data"`
	DisableOplog bool   `env:"PARLOR_DISABLE_OPLOG" envDefault:"false"`
}

func main() {
	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		log.Fatalf("parse env: %v", err)
	}

	var (
		addr         = flag.String("addr", ec.Addr, "http listen address")
		roomsPath    = flag.String("rooms", ec.RoomsPath, "rooms config path (missing file falls back to defaults)")
		dataDir      = flag.String("data", ec.DataDir, "runtime data directory")
		disableOplog = flag.Bool("disable_oplog", ec.DisableOplog, "disable round/audit oplog")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	path := strings.TrimSpace(*roomsPath)
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Printf("rooms config %s not found; using defaults", path)
			path = ""
		}
	}
	cfg, err := registry.Load(path)
	if err != nil {
		logger.Fatalf("load rooms config: %v", err)
	}

	reg := registry.New(cfg, logger)

	if !*disableOplog {
		oplogDir := filepath.Join(*dataDir, "oplog")
		rounds := oplog.NewRounds(oplogDir)
		audit := oplog.NewAudit(oplogDir)
		defer rounds.Close()
		defer audit.Close()
		reg.SetRoundLogger(rounds)
		reg.SetAuditLogger(audit)
		logger.Printf("oplog at %s", oplogDir)
	}

	arena, err := arenaDefinition()
	if err != nil {
		logger.Fatalf("arena: %v", err)
	}
	if err := reg.RegisterType(arena); err != nil {
		logger.Fatalf("register arena: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	wsSrv := ws.NewServer(reg, logger)
	obsSrv := observer.NewServer(reg, wsSrv, logger)
	api := httpapi.NewServer(reg, wsSrv.Handler(), obsSrv.Handler(), logger)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (room types: %v)", *addr, reg.Types())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Rooms drain before the deferred oplog closes.
	ctx3, cancel3 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel3()
	if err := reg.Shutdown(ctx3); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	logger.Printf("bye")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
