// Command ddc is the standalone batch driver and streaming service
// entrypoint for the Drawing Diff Core.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/buildtrace/ddc-core/internal/align"
	"github.com/buildtrace/ddc-core/internal/batch"
	"github.com/buildtrace/ddc-core/internal/config"
	"github.com/buildtrace/ddc-core/internal/httpapi"
	"github.com/buildtrace/ddc-core/internal/orchestrator"
	"github.com/buildtrace/ddc-core/internal/overlay"
	"github.com/buildtrace/ddc-core/internal/pdfvector"
	"github.com/buildtrace/ddc-core/internal/worker"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configFile   = flag.String("config", "config.yaml", "Path to configuration file")
	oldDoc       = flag.String("old", "", "Path to the baseline document (batch mode)")
	newDoc       = flag.String("new", "", "Path to the revised document (batch mode)")
	outDir       = flag.String("out", "./ddc-out", "Output directory for blob artifacts (batch mode)")
	jobID        = flag.String("job-id", "", "Job identifier; derived from input filenames if empty")
	dpi          = flag.Float64("dpi", 150, "Raster Gateway DPI")
	maxSide      = flag.Int("max-longest-side", 4000, "Downsample cap on the longest raster dimension")
	useICP       = flag.Bool("icp", false, "Refine alignment with PDF vector point clouds via ICP")
	highCompute  = flag.Bool("high-compute", false, "Use the high-compute SIFT feature cap (20000 vs 4000)")
	serviceMode  = flag.Bool("serve", false, "Run the streaming Orchestrator service instead of one-shot batch mode")
	mqttBroker   = flag.String("mqtt-broker", "", "Task-queue MQTT broker URL; empty runs the in-process worker-pool fallback")
	renderFormat = flag.String("format", "raster", "Batch-mode output format: raster, or vector (also writes a debug SVG tracing ICP's PDF vector point clouds)")
	httpAddr     = flag.String("http-addr", ":8081", "Listen address for the ingestion/polling HTTP API in -serve mode")
)

func main() {
	flag.Parse()
	fmt.Printf("ddc version: %s\n", Version)

	if *serviceMode {
		runService()
		return
	}

	if *oldDoc == "" || *newDoc == "" {
		fmt.Println("Usage: ddc -old=<path> -new=<path> [-out=<dir>] [-icp] [-high-compute]")
		fmt.Println("       ddc -serve [-mqtt-broker=<url>]")
		os.Exit(int(batch.ExitInvalidInput))
	}

	runBatch()
}

// runBatch implements the standalone batch-mode path: render, align,
// optionally refine, compose, and write artifacts for every page pair in
// one process, synchronously, then exit with the matching operational
// signal code.
func runBatch() {
	opts := batch.DefaultOptions()
	opts.DPI = *dpi
	opts.MaxLongestSide = *maxSide
	opts.UseICP = *useICP
	if *highCompute {
		opts.NFeatures = align.HighComputeNFeatures
	}

	id := *jobID
	if id == "" {
		id = fmt.Sprintf("%s-vs-%s", fileStem(*oldDoc), fileStem(*newDoc))
	}

	code, results, err := batch.Run(*oldDoc, *newDoc, *outDir, id, opts)
	if err != nil {
		log.Printf("ddc: %v", err)
	}

	for _, r := range results {
		if r.OK {
			fmt.Printf("page %d: score=%.2f changes=%d -> %s\n", r.PageNumber, r.DiffResult.AlignmentScore, r.DiffResult.ChangeCount, r.DiffResult.OverlayRef)
		} else {
			fmt.Printf("page %d: FAILED: %s\n", r.PageNumber, r.Error)
		}
	}

	if *renderFormat == "vector" {
		writeVectorDebugSVG()
	}

	os.Exit(int(code))
}

// writeVectorDebugSVG traces the raw PDF vector point clouds ICP would
// draw correspondences from, independent of whether -icp is set, purely
// as a debug aid for inspecting what a PDF's vector content looks like.
func writeVectorDebugSVG() {
	oldBytes, err := os.ReadFile(*oldDoc)
	if err != nil {
		log.Printf("ddc: vector debug: reading %s: %v", *oldDoc, err)
		return
	}
	newBytes, err := os.ReadFile(*newDoc)
	if err != nil {
		log.Printf("ddc: vector debug: reading %s: %v", *newDoc, err)
		return
	}

	oldPoints := pdfvector.ExtractFromPDF(oldBytes)
	newPoints := pdfvector.ExtractFromPDF(newBytes)

	svgPath := fmt.Sprintf("%s/vector-debug.svg", *outDir)
	f, err := os.Create(svgPath)
	if err != nil {
		log.Printf("ddc: vector debug: creating %s: %v", svgPath, err)
		return
	}
	defer f.Close()

	if err := overlay.RenderVectorDebugSVG(f, oldPoints, newPoints, 1000, 1000); err != nil {
		log.Printf("ddc: vector debug: rendering svg: %v", err)
		return
	}
	fmt.Printf("vector debug trace -> %s\n", svgPath)
}

// runService starts the Streaming Orchestrator as a long-running process:
// an MQTT-backed task queue when -mqtt-broker is set, otherwise the
// in-process worker-pool fallback. The HTTP listener runs on its own
// goroutine; main blocks on the shutdown signal.
func runService() {
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Printf("ddc: using built-in defaults (%v)", err)
		cfg = config.Default()
	}

	blobs, err := orchestrator.NewFileBlobStore(cfg.Storage.BlobRoot)
	if err != nil {
		log.Fatalf("ddc: opening blob store: %v", err)
	}

	metadata, err := orchestrator.LoadMetadataFile(cfg.Storage.MetadataFile)
	if err != nil {
		log.Printf("ddc: metadata snapshot unreadable, starting fresh (%v)", err)
		metadata = orchestrator.NewMemMetadataStore()
	}

	var queue orchestrator.TaskQueue
	broker := *mqttBroker
	if broker == "" {
		broker = cfg.Queue.Broker
	}
	if broker != "" {
		mq, err := orchestrator.NewMQTTTaskQueue(broker, clientIDOrDefault(cfg.Queue.ClientID))
		if err != nil {
			log.Fatalf("ddc: connecting to task queue broker: %v", err)
		}
		queue = mq
		log.Printf("ddc: streaming service using MQTT broker %s", broker)
	} else {
		workers := cfg.Queue.Workers
		if workers <= 0 {
			workers = 4
		}
		queue = orchestrator.NewWorkerPoolQueue(workers)
		log.Printf("ddc: streaming service using in-process worker pool (%d workers)", workers)
	}
	defer queue.Close()

	retry := orchestrator.RetryPolicy{MaxRetries: cfg.Stages.RetryBudget, InitialDelay: orchestrator.DefaultRetryPolicy().InitialDelay, MaxDelay: orchestrator.DefaultRetryPolicy().MaxDelay}
	orch := orchestrator.New(metadata, blobs, queue, retry)

	// The stage workers run in this process, consuming tasks off the
	// queue: render for OCR, align+compose for diff, caption for summary.
	// Attach before the HTTP listener so no dispatched task lands on a
	// nil handler.
	stageWorker := worker.New(orch, blobs, worker.NoopCaptionService{}, worker.FromConfig(cfg))
	stageWorker.Attach(queue)

	httpServer := &http.Server{Addr: *httpAddr, Handler: httpapi.NewServer(orch)}
	go func() {
		log.Printf("ddc: ingestion/polling API listening on %s", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ddc: http server: %v", err)
		}
	}()

	log.Println("ddc: streaming orchestrator ready, waiting for job submissions")
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down service...")
	if err := httpServer.Close(); err != nil {
		log.Printf("ddc: closing http server: %v", err)
	}
	if cfg.Storage.MetadataFile != "" {
		if err := metadata.SaveFile(cfg.Storage.MetadataFile); err != nil {
			log.Printf("ddc: saving metadata snapshot: %v", err)
		}
	}
}

func clientIDOrDefault(id string) string {
	if id != "" {
		return id
	}
	return "ddc-core"
}

func fileStem(path string) string {
	base := path
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' || base[i] == '\\' {
			base = base[i+1:]
			break
		}
	}
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '.' {
			return base[:i]
		}
	}
	return base
}
