// Command telecortex-host drives a fleet of LED panel controllers from
// a JSON registry file: discover each controller, submit frames fed on
// stdin, and expose fleet telemetry on a Prometheus endpoint.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"telecortex/config"
	"telecortex/manager"
	"telecortex/protocol"
	"telecortex/transport"
)

var (
	fleetFile    = pflag.StringP("fleet-config", "f", "fleet.json", "Path to the fleet registry JSON file.")
	metricsAddr  = pflag.StringP("metrics-addr", "m", "", "Address to serve Prometheus metrics on (empty disables it).")
	traceFile    = pflag.StringP("trace-file", "t", "", "Record submissions as JSON lines to this file instead of driving real hardware.")
	ignoreSerial = pflag.Bool("ignore-serial", false, "Ignore serial-number filters during discovery (match by VID/PID only).")
	verbose      = pflag.BoolP("verbose", "v", false, "Enable debug-level logging.")
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "telecortex-host - LED panel controller fleet driver\n\n")
		fmt.Fprintf(os.Stderr, "Usage: telecortex-host [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	data, err := os.ReadFile(*fleetFile)
	if err != nil {
		entry.WithError(err).Fatal("failed to read fleet config")
	}
	fc, err := config.Load(data)
	if err != nil {
		entry.WithError(err).Fatal("failed to parse fleet config")
	}
	if *ignoreSerial {
		fc.IgnoreSerial = true
	}

	sink, cleanup := buildSink(fc, entry)
	defer cleanup()

	entry.Info("telecortex-host ready; reading frame submissions on stdin")
	if err := runStdinLoop(sink, entry); err != nil {
		entry.WithError(err).Fatal("stdin loop terminated")
	}

	sink.WaitIdle()
	sink.Shutdown()
}

func buildSink(fc *config.FleetConfig, log *logrus.Entry) (manager.FrameSink, func()) {
	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			log.WithError(err).Fatal("failed to open trace file")
		}
		tm := manager.NewTraceManager(f)
		return tm, func() {}
	}

	mgrCfg := fc.ManagerConfig()
	mgrCfg.IgnoreSerial = fc.IgnoreSerial

	var metrics *manager.Metrics
	var metricsServer *http.Server
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = manager.NewMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		log.WithField("addr", *metricsAddr).Info("serving Prometheus metrics")
	}

	m := manager.New(mgrCfg, transport.SysfsEnumerator{}, log, metrics)
	for _, spec := range fc.ControllerSpecs() {
		if err := m.Register(spec); err != nil {
			log.WithError(err).WithField("controller_id", spec.ID).Error("failed to register controller")
		}
	}

	return m, func() {
		if metricsServer != nil {
			_ = metricsServer.Close()
		}
	}
}

// frameSubmission is one line of stdin input: a JSON object naming the
// target controller, opcode, ordered args, and optional base64 payload.
type frameSubmission struct {
	ControllerID string         `json:"controller_id"`
	Opcode       string         `json:"opcode"`
	Args         []protocol.Arg `json:"args,omitempty"`
	Payload      string         `json:"payload,omitempty"`
}

// runStdinLoop reads one JSON frameSubmission per line until EOF,
// submitting each to sink.
func runStdinLoop(sink manager.FrameSink, log *logrus.Entry) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var fs frameSubmission
		if err := json.Unmarshal([]byte(line), &fs); err != nil {
			log.WithError(err).Warn("skipping malformed frame submission")
			continue
		}
		if err := sink.Submit(fs.ControllerID, fs.Opcode, fs.Args, fs.Payload); err != nil {
			log.WithError(err).WithField("controller_id", fs.ControllerID).Error("submit failed")
		}
	}
	return scanner.Err()
}
