// Command broker runs the durable queue + circuit breaker + retry
// scheduler tier between stations and central intake.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tomasquin2003/ballot-delivery/broker/archive"
	"github.com/tomasquin2003/ballot-delivery/broker/breaker"
	brokerlog "github.com/tomasquin2003/ballot-delivery/broker/log"
	"github.com/tomasquin2003/ballot-delivery/broker/queue"
	"github.com/tomasquin2003/ballot-delivery/broker/relay"
	"github.com/tomasquin2003/ballot-delivery/broker/scheduler"
	"github.com/tomasquin2003/ballot-delivery/config"
	"github.com/tomasquin2003/ballot-delivery/delivery/admin"
	"github.com/tomasquin2003/ballot-delivery/delivery/wire"
	"github.com/tomasquin2003/ballot-delivery/logging"
)

var (
	configPath   string
	tunablesPath string
	dataDir      string
	listenAddr   string
	adminAddr    string
	queueCap     int
	mongoURI     string
	mongoDB      string
	debug        bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to the broker's JSON roster file")
	flag.StringVar(&tunablesPath, "tunables", "", "path to a .properties file overriding breaker/retry tunables")
	flag.StringVar(&dataDir, "data-dir", "./data/broker", "directory for durable log/archive storage")
	flag.StringVar(&listenAddr, "port", ":7002", "address this broker listens on")
	flag.StringVar(&adminAddr, "admin", config.DefaultAdminBindAddress, "loopback-only admin bind address")
	flag.IntVar(&queueCap, "queue-capacity", 10000, "bounded priority queue capacity")
	flag.StringVar(&mongoURI, "archive-mongo-uri", "", "optional Mongo URI for the compacted archive; empty uses a local WAL")
	flag.StringVar(&mongoDB, "archive-mongo-db", "ballotArchive", "Mongo database name for the archive")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
}

func main() {
	flag.Parse()
	logging.ShowDebug = debug

	roster, err := config.LoadRoster(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		os.Exit(1)
	}
	dataDir = config.DataDir(dataDir)

	tunables, err := config.LoadTunables(tunablesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		os.Exit(1)
	}

	l, err := brokerlog.Open(filepath.Join(dataDir, "log"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: opening log: %v\n", err)
		os.Exit(1)
	}
	defer l.Close()

	var arch archive.Archive
	if mongoURI != "" {
		arch, err = archive.OpenMongo(mongoURI, mongoDB)
	} else {
		arch, err = archive.OpenWAL(filepath.Join(dataDir, "archive"))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: opening archive: %v\n", err)
		os.Exit(1)
	}
	defer arch.Close()

	q := queue.New(queueCap)
	defer q.Close()

	// crash recovery: every record not yet SENT is re-enqueued at HIGH
	// priority, since we cannot tell from the log alone whether it was
	// mid-flight when the broker last stopped.
	for _, r := range l.ListPending() {
		if err := q.Enqueue(r.Ballot, queue.PriorityHigh, l); err != nil {
			logging.Warnf("re-enqueueing %s on recovery: %v", r.Ballot.BallotID, err)
		}
	}

	br := breaker.New(
		tunables.Int("breaker.failureThreshold", config.DefaultBreakerFailureThreshold),
		tunables.Int("breaker.successThreshold", config.DefaultBreakerSuccessThreshold),
		tunables.Duration("breaker.openTimeout", config.DefaultBreakerOpenTimeout),
		l)

	// the relay needs a reference to the transport it forwards replies
	// through, and the transport's handler needs the relay: built with
	// a nil handler first, then wired together before Run starts.
	listener, err := wire.Listen(listenAddr, config.DefaultMaxConnectionHandlers, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		os.Exit(1)
	}
	rl := relay.New(listener, roster.Stations)
	listener.SetHandler(rl.HandleInbound(q, l))
	go listener.Run()
	defer listener.Close()

	sched := scheduler.New(l, br, q, rl, rl, roster.CentralAddr,
		tunables.Duration("send.timeout", config.DefaultSendTimeout),
		tunables.Duration("retry.baseInterval", config.DefaultRetryBaseInterval),
		tunables.Duration("retry.maxInterval", config.DefaultRetryMaxInterval),
		tunables.Float64("retry.multiplier", config.DefaultRetryMultiplier),
		tunables.Int("retry.maxAttempts", config.DefaultRetryMaxAttempts),
		tunables.Int("retry.maxConcurrent", 8))

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	go runArchiveSweep(ctx, l, arch,
		tunables.Duration("archive.retention", config.DefaultArchiveRetention),
		tunables.Duration("archive.sweepInterval", config.DefaultArchiveSweepInterval))

	if _, _, err := admin.Listen(adminAddr, &admin.Server{Log: l, Breaker: br, Queue: q, Scheduler: sched}); err != nil {
		logging.Warnf("admin surface disabled: %v", err)
	}

	logging.Tracef("broker listening on %s, forwarding to %s", listenAddr, roster.CentralAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Tracef("broker shutting down")
	cancel()
	time.Sleep(100 * time.Millisecond) // let in-flight sends settle before the log closes
}

// runArchiveSweep periodically moves SENT records older than retention out
// of l's hot index and into arch, so the index stays bounded by recent
// activity instead of growing with every ballot ever delivered. A record
// is only purged after arch.Store succeeds, so a sweep that fails to
// reach the archive leaves the record in place for the next tick.
func runArchiveSweep(ctx context.Context, l *brokerlog.Log, arch archive.Archive, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rec := range l.SentOlderThan(time.Now().Add(-retention)) {
				if err := arch.Store(rec); err != nil {
					logging.Warnf("archiving %s: %v", rec.Ballot.BallotID, err)
					continue
				}
				if err := l.Purge(rec.Ballot.BallotID); err != nil {
					logging.Warnf("purging archived record %s: %v", rec.Ballot.BallotID, err)
				}
			}
		}
	}
}
