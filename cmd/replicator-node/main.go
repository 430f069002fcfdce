// Command replicator-node runs one replication engine bound to an
// embedded database, exposes prometheus metrics over HTTP, and drains
// its Outbound channel to a minimal newline-delimited TCP transport —
// a demo wire format, not a spec of one, since transport is out of
// scope for the engine itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rachitkumar205/patchmesh/internal/config"
	"github.com/rachitkumar205/patchmesh/internal/engine"
	"github.com/rachitkumar205/patchmesh/internal/message"
	"github.com/rachitkumar205/patchmesh/internal/metrics"
	"github.com/rachitkumar205/patchmesh/internal/migrate"
	"github.com/rachitkumar205/patchmesh/internal/sqlstore"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("starting replicator node",
		zap.Int64("peer_id", cfg.PeerID),
		zap.String("db_path", cfg.DBPath),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Strings("peers", cfg.Peers))

	db, err := sqlstore.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	m := metrics.New("patchmesh")

	heartbeat, retention, maxPerRetransmission, debug := cfg.EngineConfig()
	eng := engine.New(db, cfg.PeerID, engine.Config{
		HeartbeatInterval:         heartbeat,
		MaxPatchRetention:         retention,
		MaxPatchPerRetransmission: maxPerRetransmission,
		Debug:                     debug,
	}, logger, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := eng.Migrate(ctx, demoMigrations); err != nil {
		logger.Fatal("failed to migrate", zap.Error(err))
	}
	logger.Info("engine migrated", zap.Int64("peer_id", eng.PeerID()))

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.ListenAddr), zap.Error(err))
	}
	go acceptLoop(ctx, logger, eng, lis)

	go drainOutbound(ctx, logger, eng, cfg.Peers)

	go heartbeatLoop(ctx, logger, eng, heartbeat)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/healthz", healthzHandler(eng))
	metricsServer := &http.Server{Addr: cfg.MetricsAddr}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down gracefully")
	cancel()
	lis.Close()
	metricsServer.Close()
	logger.Info("shutdown complete")
}

// healthzHandler reports this node's own replication status: the
// peer id, sequence counter, and whether every known remote peer is
// believed consistent.
func healthzHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := eng.Status()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}
}

func heartbeatLoop(ctx context.Context, logger *zap.Logger, eng *engine.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := eng.Heartbeat(ctx); err != nil {
				logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// wireMessage is the demo transport's JSON envelope; a real transport
// has a real framing format, this one just needs to round-trip far
// enough to prove the channel wiring.
type wireMessage struct {
	Kind    message.Kind    `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func drainOutbound(ctx context.Context, logger *zap.Logger, eng *engine.Engine, peers []string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-eng.Outbound():
			if !ok {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				logger.Warn("failed to encode outbound message", zap.Error(err))
				continue
			}
			envelope, err := json.Marshal(wireMessage{Kind: msg.Kind(), Payload: payload})
			if err != nil {
				logger.Warn("failed to encode outbound envelope", zap.Error(err))
				continue
			}
			broadcast(logger, peers, envelope)
		}
	}
}

func broadcast(logger *zap.Logger, peers []string, line []byte) {
	for _, addr := range peers {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			logger.Debug("peer unreachable", zap.String("addr", addr), zap.Error(err))
			continue
		}
		conn.Write(append(line, '\n'))
		conn.Close()
	}
}

func acceptLoop(ctx context.Context, logger *zap.Logger, eng *engine.Engine, lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		go handleConn(ctx, logger, eng, conn)
	}
}

func handleConn(ctx context.Context, logger *zap.Logger, eng *engine.Engine, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	for {
		var envelope wireMessage
		if err := dec.Decode(&envelope); err != nil {
			return
		}
		if err := dispatch(ctx, eng, envelope); err != nil {
			logger.Warn("failed to dispatch inbound message", zap.Error(err))
		}
	}
}

func dispatch(ctx context.Context, eng *engine.Engine, envelope wireMessage) error {
	switch envelope.Kind {
	case message.KindPatch:
		var p message.Patch
		if err := json.Unmarshal(envelope.Payload, &p); err != nil {
			return err
		}
		return eng.ReceivePatch(ctx, p)
	case message.KindPing, message.KindMissingPatchRequest:
		// the demo transport doesn't act on these; a real deployment
		// would use a Ping to decide whether to dial for a resync and
		// a MissingPatchRequest to replay from its own patch tables.
		return nil
	default:
		return fmt.Errorf("unknown message kind %d", envelope.Kind)
	}
}

var demoMigrations = []migrate.Migration{
	{
		Up: `
			CREATE TABLE users (
				id INTEGER PRIMARY KEY,
				name TEXT,
				email TEXT,
				deletedAt INTEGER
			);
			CREATE TABLE users_patches (
				_patchedAt INTEGER NOT NULL,
				_sequenceId INTEGER NOT NULL,
				_peerId INTEGER NOT NULL,
				id INTEGER,
				name TEXT,
				email TEXT,
				deletedAt INTEGER,
				PRIMARY KEY (_patchedAt, _sequenceId, _peerId)
			);
		`,
		Down: `
			DROP TABLE users_patches;
			DROP TABLE users;
		`,
	},
}
