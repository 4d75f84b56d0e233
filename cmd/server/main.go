package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ryandielhenn/zephyrswim/discovery"
	"github.com/ryandielhenn/zephyrswim/internal/config"
	"github.com/ryandielhenn/zephyrswim/internal/logging"
	"github.com/ryandielhenn/zephyrswim/internal/telemetry"
	"github.com/ryandielhenn/zephyrswim/pkg/kv"
	"github.com/ryandielhenn/zephyrswim/pkg/node"
	"github.com/ryandielhenn/zephyrswim/pkg/ring"
	"github.com/ryandielhenn/zephyrswim/pkg/swim"
	"github.com/ryandielhenn/zephyrswim/pkg/transport"
)

func main() {
	log := logging.New()
	defer log.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalw("config", "error", err)
	}

	store := kv.NewStore(64 << 20) // 64MB default cap for MVP
	r := ring.New(128, ring.FNV32a)

	local := swim.MemberID{ID: cfg.LocalID, Address: cfg.LocalAddr}

	udp, err := transport.New(swim.MemberID{ID: cfg.LocalID, Address: cfg.BindAddr}, log)
	if err != nil {
		log.Fatalw("transport", "error", err)
	}

	engine, err := swim.New(local, cfg.Swim, udp,
		swim.WithLogger(log),
		swim.WithMetrics(telemetry.SwimMetrics{}),
	)
	if err != nil {
		log.Fatalw("swim engine", "error", err)
	}

	n := node.New(store, r, cfg.LocalAddr, cfg.Replication, engine, log)
	if err := n.Start(); err != nil {
		log.Fatalw("node start", "error", err)
	}
	defer n.Stop()

	seeds := cfg.Seeds
	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		bootstrapped, err := bootstrapFromEtcd(cfg, []string{endpoints}, log)
		if err != nil {
			log.Warnw("etcd bootstrap failed, falling back to static seeds", "error", err)
		} else {
			seeds = append(seeds, bootstrapped...)
		}
	}

	if len(seeds) > 0 {
		if err := engine.Join(seeds); err != nil {
			log.Warnw("join failed", "error", err)
		}
	} else {
		log.Infow("no seeds configured, starting as sole member")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.HandleFunc("/info", n.Info)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/kv/", func(w http.ResponseWriter, req *http.Request) {
		op := methodToOp(req.Method)
		telemetry.Instrument(op, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPut, http.MethodPost:
				n.Put(w, r)
			case http.MethodGet:
				n.Get(w, r)
			case http.MethodDelete:
				n.Del(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		})).ServeHTTP(w, req)
	})

	addr := ":8080"
	fmt.Println("ZephyrSwim node listening on", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalw("http server", "error", err)
	}
}

// bootstrapFromEtcd registers this node and reads the current peer set
// once. It is a seed source only: the swim.Engine takes over liveness
// tracking for anything it returns.
func bootstrapFromEtcd(cfg config.Config, endpoints []string, log interface {
	Warnw(string, ...interface{})
}) ([]swim.MemberID, error) {
	cli, err := discovery.NewClient(endpoints)
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peers, err := discovery.GetPeers(cli, ctx)
	if err != nil {
		return nil, err
	}

	if _, _, err := discovery.RegisterNode(cli, cfg.LocalID, cfg.LocalAddr, 10); err != nil {
		log.Warnw("etcd register failed", "error", err)
	}

	seeds := make([]swim.MemberID, 0, len(peers))
	for id, addr := range peers {
		if id == cfg.LocalID {
			continue
		}
		seeds = append(seeds, swim.MemberID{ID: id, Address: addr})
	}
	return seeds, nil
}

func methodToOp(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	case http.MethodDelete:
		return "delete"
	default:
		return "other"
	}
}
