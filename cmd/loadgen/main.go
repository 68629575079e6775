// Command loadgen synthesizes cast-ballot load by driving real
// StationSender.Cast calls against an in-process, ephemeral station
// pointed at a running broker — the way benchmark/tpc.go and
// benchmark/ycsb.go embed client objects directly in the same process
// driving the coordinator, rather than going through a separate UI
// process. Candidate selection is Zipfian (a handful of "popular"
// candidates receive most of the load) via pingcap/go-ycsb's generator
// package.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/go-ycsb/pkg/generator"

	"github.com/tomasquin2003/ballot-delivery/delivery/wire"
	"github.com/tomasquin2003/ballot-delivery/logging"
	"github.com/tomasquin2003/ballot-delivery/station/outbox"
	"github.com/tomasquin2003/ballot-delivery/station/roll"
	"github.com/tomasquin2003/ballot-delivery/station/sender"
)

var (
	brokerAddr    string
	dataDir       string
	numCandidates int
	numVoters     int
	concurrency   int
	duration      time.Duration
	skew          float64
)

func init() {
	flag.StringVar(&brokerAddr, "broker", "127.0.0.1:7002", "broker address to cast ballots against")
	flag.StringVar(&dataDir, "data-dir", "./data/loadgen", "directory for the generator's own durable outbox")
	flag.IntVar(&numCandidates, "candidates", 5, "number of distinct candidateIds")
	flag.IntVar(&numVoters, "voters", 100000, "number of distinct voterIds to draw from")
	flag.IntVar(&concurrency, "concurrency", 8, "number of concurrent casting workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "how long to generate load")
	flag.Float64Var(&skew, "skew", 0.99, "Zipfian skewness for candidate popularity")
}

func main() {
	flag.Parse()

	eligible := make([]string, numVoters)
	for i := range eligible {
		eligible[i] = "V" + strconv.Itoa(i)
	}

	ob, err := outbox.Open(filepath.Join(dataDir, "outbox"))
	if err != nil {
		logging.Fatal("loadgen: opening outbox: %v", err)
	}
	defer ob.Close()

	authorizer, err := roll.NewAuthorizer(eligible, func() ([]string, error) { return ob.VoterIDs(), nil })
	if err != nil {
		logging.Fatal("loadgen: roll scan failed: %v", err)
	}

	transport, err := wire.Listen("127.0.0.1:0", concurrency, func(_ net.Addr, _ wire.Envelope) {})
	if err != nil {
		logging.Fatal("loadgen: binding transient listener: %v", err)
	}
	go transport.Run()
	defer transport.Close()

	snd := sender.New("loadgen", brokerAddr, authorizer, ob, transport)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go snd.Run(ctx, 500*time.Millisecond)
	defer snd.Stop()

	zip := generator.NewZipfianWithRange(0, int64(numCandidates-1), skew)

	var cast, rejected int64
	deadline := time.Now().Add(duration)
	var wg sync.WaitGroup

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			for time.Now().Before(deadline) {
				candidateID := "C" + strconv.FormatInt(zip.Next(r), 10)
				voterID := "V" + strconv.Itoa(r.Intn(numVoters))
				if _, err := snd.Cast(candidateID, voterID); err != nil {
					atomic.AddInt64(&rejected, 1)
					continue
				}
				atomic.AddInt64(&cast, 1)
			}
		}(w)
	}
	wg.Wait()

	fmt.Fprintf(os.Stdout, "cast=%d rejected=%d\n", atomic.LoadInt64(&cast), atomic.LoadInt64(&rejected))
}
