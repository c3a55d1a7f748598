// Command pgcored is the placement-group peering daemon: it loads
// configuration, opens the local object store, starts the messenger, and
// runs the worker pool that drives every hosted PG's peering state
// machine. Grounded on the teacher's app/main.go (config.InitConfig,
// log.InitLog, db.InitDB, then StartAppNode), generalized from one raft
// group per process to a registry of PGs.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coldshard/pgcore/clustermap"
	"github.com/coldshard/pgcore/config"
	"github.com/coldshard/pgcore/logging"
	"github.com/coldshard/pgcore/pgid"
	"github.com/coldshard/pgcore/pglog"
	"github.com/coldshard/pgcore/service"
	"github.com/coldshard/pgcore/store"
	"github.com/coldshard/pgcore/transport"
)

func main() {
	confPath := flag.String("config", "pgcored.yaml", "path to the node configuration file")
	flag.Parse()

	loader, err := config.NewLoader(*confPath, onConfigReload)
	if err != nil {
		logging.Init(nil)
		logging.Fatal("failed to load configuration").Err(err).Record()
		os.Exit(1)
	}
	cfg := loader.Current()

	if err := logging.Init(&cfg.Logging); err != nil {
		os.Exit(1)
	}
	defer logging.Sync()

	st, err := store.Open(cfg.Store.DataDir + "/pg.db")
	if err != nil {
		logging.Fatal("failed to open object store").Err(err).Record()
		return
	}
	defer st.Close()

	logDir := cfg.Store.LogDir
	if logDir == "" {
		logDir = cfg.Store.DataDir
	}
	logStore, err := pglog.NewFileStore(logDir)
	if err != nil {
		logging.Fatal("failed to open log store").Err(err).Record()
		return
	}

	cluster := clustermap.NewService(&clustermap.Snapshot{Epoch: 0})
	localID := pgid.PeerID(cfg.Node.ID)

	// reg is constructed before tr so it can serve as tr's Dispatcher;
	// reg.Transport is filled in immediately after since neither side needs
	// the other during construction.
	reg := service.NewRegistry(localID, st, nil, cluster)
	reg.LogStore = logStore
	tr := transport.New(localID, reg)
	reg.Transport = tr

	for i, addr := range cfg.Node.PeerURLs {
		peerID := pgid.PeerID(i + 1)
		if peerID == localID {
			continue
		}
		tr.AddPeer(peerID, addr)
	}

	if err := tr.Listen(cfg.Node.Addr); err != nil {
		logging.Fatal("failed to listen for peer connections").Err(err).Record()
		return
	}

	pool := service.NewWorkerPool(reg, len(cfg.Node.PeerURLs)+2)
	pool.Start()
	defer pool.Stop()

	logging.Info("pgcored started").Uint64("node_id", cfg.Node.ID).Str("addr", cfg.Node.Addr).Record()

	waitForShutdown()
	logging.Info("pgcored shutting down").Record()
	tr.Stop()
}

func onConfigReload(cfg *config.Config) {
	logging.Info("configuration reloaded").
		Int("max_recovery_ops_per_pg", cfg.PG.MaxRecoveryOpsPerPG).
		Record()
}

func waitForShutdown() {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
}
