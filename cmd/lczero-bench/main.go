// lczero-bench loads a network, runs concurrent evaluations against the
// selected backend and reports throughput. It doubles as a smoke test for
// the backend self-check: run it with -backend checked.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/killerducky/leela-chess/internal/netstore"
	"github.com/killerducky/leela-chess/internal/nn"
)

var (
	weightsFile = flag.String("weights", "", "path to a weight file (plain or gzip)")
	netName     = flag.String("net", "", "network name to fetch from -url instead of -weights")
	baseURL     = flag.String("url", "https://lczero.org/files/networks/", "base URL for -net downloads")
	backendName = flag.String("backend", "checked", "forward backend: plain, tiled or checked")
	evals       = flag.Int("evals", 1000, "number of evaluations to run")
	threads     = flag.Int("threads", runtime.NumCPU(), "concurrent evaluation workers")
	temperature = flag.Float64("temp", 1.0, "policy softmax temperature")
	catalog     = flag.Bool("catalog", false, "record the network in the local catalog")
	cpuprofile  = flag.String("cpuprofile", "", "write cpu profile to file")
)

func main() {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	path, err := resolveWeights()
	if err != nil {
		log.Fatal(err)
	}

	backend, err := nn.ParseBackend(*backendName)
	if err != nil {
		log.Fatal(err)
	}

	params, err := nn.LoadNetworkFile(path)
	if err != nil {
		log.Fatalf("loading %s: %v", path, err)
	}
	log.Printf("loaded v%d network: %d channels, %d blocks",
		params.FormatVersion, params.Channels, params.ResidualBlocks)

	net, err := nn.New(params, nn.Config{
		Backend:     backend,
		SoftmaxTemp: float32(*temperature),
	})
	if err != nil {
		log.Fatalf("initializing %s backend: %v", backend, err)
	}

	if *catalog {
		if err := catalogNetwork(path, params); err != nil {
			log.Printf("warning: catalog update failed: %v", err)
		}
	}

	planes := benchPlanes(params)
	out, err := net.Evaluate(planes)
	if err != nil {
		log.Fatal(err)
	}
	best := 0
	for i, p := range out.Policy {
		if p > out.Policy[best] {
			best = i
		}
	}
	log.Printf("value %.4f, best policy index %d (%.4f)", out.Value, best, out.Policy[best])

	start := time.Now()
	var g errgroup.Group
	perWorker := *evals / *threads
	for w := 0; w < *threads; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				if _, err := net.Evaluate(planes); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("evaluation failed: %v", err)
	}
	elapsed := time.Since(start)
	total := perWorker * *threads
	fmt.Printf("%d evaluations in %v (%.0f evals/s, %d threads, %s backend)\n",
		total, elapsed.Round(time.Millisecond),
		float64(total)/elapsed.Seconds(), *threads, backend)
}

func resolveWeights() (string, error) {
	if *weightsFile != "" {
		return *weightsFile, nil
	}
	if *netName == "" {
		return "", fmt.Errorf("either -weights or -net is required")
	}
	d, err := netstore.NewDownloader("", *baseURL)
	if err != nil {
		return "", err
	}
	return d.Fetch(*netName)
}

func catalogNetwork(path string, params *nn.NetworkParameters) error {
	hash, size, err := netstore.HashFile(path)
	if err != nil {
		return err
	}
	store, err := netstore.Open("")
	if err != nil {
		return err
	}
	defer store.Close()

	name := netstore.NameFromPath(path)
	rec, err := store.Get(name)
	if err != nil {
		return err
	}
	now := time.Now()
	if rec == nil {
		rec = &netstore.Record{Name: name, FetchedAt: now}
	}
	rec.Hash = hash
	rec.Size = size
	rec.FormatVersion = params.FormatVersion
	rec.Channels = params.Channels
	rec.Blocks = params.ResidualBlocks
	rec.LastUsed = now
	return store.Put(rec)
}

// benchPlanes builds a deterministic synthetic input: the engine does not
// interpret plane semantics, it only expands them.
func benchPlanes(params *nn.NetworkParameters) []nn.InputPlane {
	rng := rand.New(rand.NewSource(1))
	planes := make([]nn.InputPlane, params.InputChannels())
	for i := range planes {
		planes[i] = nn.InputPlane{Mask: rng.Uint64(), Value: rng.Float32()}
	}
	return planes
}
