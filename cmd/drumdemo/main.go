// drumdemo is a small demonstration binary, not the deliverable: it reads
// newline-delimited URLs from stdin, hashes each with hashutil, and uses a
// Drum[[]byte, []byte] to report which ones have been seen before — the
// canonical crawler-frontier workload DRUM was designed for. Grounded on
// the teacher's cmd/server and cmd/loadtest structure (flag-parsed
// options, a signal-driven shutdown via context), minus the TCP/protobuf
// wire protocol those talk: this binary is a library demo, not a server.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	drum "github.com/vsalavatov/drum"
	"github.com/vsalavatov/drum/codec"
	"github.com/vsalavatov/drum/hashutil"
	"github.com/vsalavatov/drum/metrics"
)

var opts struct {
	name        string
	basePath    string
	numBuckets  int
	bufferSize  int64
	verbose     bool
	metricsAddr string
}

func init() {
	flag.StringVar(&opts.name, "name", "drumdemo", "name of the DRUM instance, selects cache/<name>/")
	flag.StringVar(&opts.basePath, "base-path", ".", "directory under which cache/<name>/ is created")
	flag.IntVar(&opts.numBuckets, "buckets", 64, "number of bucket partitions, must be a power of two")
	flag.Int64Var(&opts.bufferSize, "buffer-size", 4096, "per-bucket byte threshold that triggers a merge")
	flag.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on, empty disables it")
}

type urlSeenListener struct {
	log *logrus.Logger
}

func (l *urlSeenListener) OnResult(r drum.Result[[]byte, []byte]) {
	seen := r.Classification.String() == "DUPLICATE"
	l.log.WithFields(logrus.Fields{
		"key":  r.Key,
		"seen": seen,
	}).Info("classified url")
}

func main() {
	flag.Parse()

	log := logrus.New()
	if opts.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(opts.name, registry)

	d, err := drum.Open(opts.name, drum.Options[[]byte, []byte]{
		NumBuckets: opts.numBuckets,
		BufferSize: opts.bufferSize,
		BasePath:   opts.basePath,
		ValueCodec: codec.Bytes{},
		AuxCodec:   codec.Bytes{},
		ResultSink: &urlSeenListener{log: log},
		Listener:   collector,
		Logger:     log,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to open drum instance")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: opts.metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = metricsSrv.Close()
		}()
		log.WithField("addr", opts.metricsAddr).Info("serving /metrics")
	}

	scanner := bufio.NewScanner(os.Stdin)
	go func() {
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			key := hashutil.HashString(line)
			reqID := uuid.New()
			log.WithFields(logrus.Fields{"request_id": reqID, "url": line, "key": key}).Debug("submitting")
			if err := d.CheckUpdate(key, []byte(line), nil); err != nil {
				log.WithError(err).Warn("submit failed")
			}
		}
		cancel()
	}()

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "shutting down")
	if err := d.Dispose(); err != nil {
		log.WithError(err).Error("dispose failed")
	}
}
