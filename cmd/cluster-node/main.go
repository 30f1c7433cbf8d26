// Command cluster-node runs one cache-cluster peer: it loads a YAML config
// file, binds the cluster port, dials every configured peer, and serves
// Prometheus metrics over HTTP. It does not implement a cache engine of its
// own; SetIncomingHandler is left unset on every session so incoming cache
// ops answer with StatusError, making this binary useful as a connectivity
// and topology harness in front of a real backing store.
package main

import (
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/clustercache/ccluster"
	"github.com/clustercache/ccluster/reload"
)

// fileConfig is the on-disk shape loaded from -config: the fields specific
// to running a node (self identity, peer addresses, metrics listen
// address). Only self.cluster_port is copied into ccluster.Config; every
// other Config field keeps its DefaultConfig value.
type fileConfig struct {
	Self struct {
		Hostname    string `yaml:"hostname"`
		IP          string `yaml:"ip"`
		ClusterPort int    `yaml:"cluster_port"`
	} `yaml:"self"`
	Peers []struct {
		Hostname    string `yaml:"hostname"`
		IP          string `yaml:"ip"`
		ClusterPort int    `yaml:"cluster_port"`
	} `yaml:"peers"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func main() {
	configPath := flag.String("config", "cluster-node.yaml", "path to the node's YAML config file")
	logLevel := flag.String("log-level", "info", "logrus level: debug, info, warn, error")
	flag.Parse()

	log := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid -log-level")
	}
	log.SetLevel(level)

	fc, err := loadFileConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	config := ccluster.DefaultConfig()
	config.ClusterPort = fc.Self.ClusterPort
	if err := config.Validate(); err != nil {
		log.WithError(err).Fatal("invalid cluster config")
	}

	self := ccluster.Machine{Hostname: fc.Self.Hostname, IP: fc.Self.IP, ClusterPort: fc.Self.ClusterPort}

	promRegistry := prometheus.NewRegistry()
	metrics := ccluster.NewMetrics(promRegistry)
	dispatcher := ccluster.NewDispatcher()

	cluster := ccluster.NewCluster(self, config, dispatcher, metrics)
	applyMachines(cluster, self, fc.Peers)

	reloadRegistry := reload.NewRegistry()
	if err := reloadRegistry.RegisterConfig(reload.Entry{
		Key:             "peers",
		DefaultFilename: *configPath,
		Type:            reload.ConfigTypeLegacy,
		Handler:         peerReloadHandler(cluster, self, log),
	}); err != nil {
		log.WithError(err).Fatal("failed to register peers config")
	}
	coordinator := reload.NewCoordinator(reloadRegistry)
	progressChecker := reload.NewProgressChecker(coordinator, reload.DefaultReloadTimeout, reload.DefaultCheckInterval)
	go progressChecker.Run()
	defer progressChecker.Stop()

	listener, err := ccluster.Listen(config, dispatcher, metrics)
	if err != nil {
		log.WithError(err).Fatal("failed to bind cluster port")
	}
	log.WithField("addr", listener.Addr()).Info("cluster listener bound")

	go acceptLoop(listener, cluster, log)

	for _, p := range fc.Peers {
		go dialPeer(p.IP, p.ClusterPort, config, dispatcher, metrics, cluster, log)
	}

	if fc.MetricsAddr != "" {
		go serveAdmin(fc.MetricsAddr, promRegistry, coordinator, log)
	}

	waitForShutdown(log)
	_ = cluster.Close()
	_ = listener.Close()
}

// applyMachines installs self plus every configured peer as the cluster's
// topology membership.
func applyMachines(cluster *ccluster.Cluster, self ccluster.Machine, peers []struct {
	Hostname    string `yaml:"hostname"`
	IP          string `yaml:"ip"`
	ClusterPort int    `yaml:"cluster_port"`
}) {
	machines := make([]ccluster.Machine, 0, len(peers)+1)
	machines = append(machines, self)
	for _, p := range peers {
		machines = append(machines, ccluster.Machine{Hostname: p.Hostname, IP: p.IP, ClusterPort: p.ClusterPort})
	}
	cluster.UpdateMachines(machines)
}

// peerReloadHandler returns a reload.Handler that re-reads the node's YAML
// config file and installs its peer list as the cluster's new topology
// membership, letting an operator add or remove peers without a restart
// (spec's configuration-reload surface applied to cluster membership rather
// than a cache-engine-specific setting).
func peerReloadHandler(cluster *ccluster.Cluster, self ccluster.Machine, log *logrus.Logger) reload.Handler {
	return func(ctx *reload.Context) error {
		fc, err := loadFileConfig(ctx.Filename())
		if err != nil {
			return err
		}
		applyMachines(cluster, self, fc.Peers)
		ctx.Log("cluster membership reloaded")
		log.WithField("peer_count", len(fc.Peers)).Info("reloaded peer list")
		return nil
	}
}

func loadFileConfig(path string) (*fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var fc fileConfig
	if err := yaml.NewDecoder(f).Decode(&fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

func acceptLoop(listener *ccluster.Listener, cluster *ccluster.Cluster, log *logrus.Logger) {
	for {
		s, err := listener.Accept()
		if err != nil {
			log.WithError(err).Warn("accept failed")
			return
		}
		peer := ccluster.Machine{IP: remoteIP(s.PeerID())}
		cluster.AddSession(peer, s)
		log.WithField("peer", peer.IP).Info("accepted cluster session")
	}
}

func remoteIP(peerID string) string {
	host, _, err := net.SplitHostPort(peerID)
	if err != nil {
		return peerID
	}
	return host
}

func dialPeer(ip string, port int, config *ccluster.Config, dispatcher *ccluster.Dispatcher, metrics *ccluster.Metrics, cluster *ccluster.Cluster, log *logrus.Logger) {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	s, err := ccluster.Dial(addr, config, dispatcher, metrics)
	if err != nil {
		log.WithError(err).WithField("peer", addr).Warn("failed to dial peer")
		return
	}
	cluster.AddSession(ccluster.Machine{IP: ip, ClusterPort: port}, s)
	log.WithField("peer", addr).Info("dialed cluster peer")
}

// serveAdmin serves Prometheus metrics alongside a minimal HTTP surface for
// triggering and inspecting configuration reloads, so an operator can push a
// new peer list without sending the process a signal or restarting it.
func serveAdmin(addr string, registry *prometheus.Registry, coordinator *reload.Coordinator, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/reload", handleReloadTrigger(coordinator, log))
	mux.HandleFunc("/reload/status", handleReloadStatus(coordinator))
	log.WithField("addr", addr).Info("serving admin endpoints")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("admin server stopped")
	}
}

// handleReloadTrigger prepares a reload token and runs every registered
// config entry's handler under it, returning the token and each entry's
// outcome as JSON.
func handleReloadTrigger(coordinator *reload.Coordinator, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		force := r.URL.Query().Get("force") == "true"
		token, err := coordinator.PrepareReload(r.URL.Query().Get("token"), "reload-", force)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		results := make(map[string]string)
		for _, key := range coordinator.Keys() {
			if err := coordinator.ExecuteReload(token, key); err != nil {
				log.WithError(err).WithField("key", key).Warn("config reload failed")
				results[key] = err.Error()
				continue
			}
			results[key] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":   token,
			"results": results,
		})
	}
}

// handleReloadStatus returns a snapshot of recent reload tasks, or a single
// task's snapshot when a ?token= query parameter is given.
func handleReloadStatus(coordinator *reload.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if token := r.URL.Query().Get("token"); token != "" {
			task, ok := coordinator.FindByToken(token)
			if !ok {
				http.Error(w, "unknown token", http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(task.Snapshot())
			return
		}
		_ = json.NewEncoder(w).Encode(coordinator.GetAll(20))
	}
}

func waitForShutdown(log *logrus.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig).Info("shutting down")
}
