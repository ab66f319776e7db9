// Package config loads the JSON fleet registry that tells a Manager
// which controllers to discover and how to talk to each, mirroring
// standalone/config/config.go's LoadConfig+applyDefaults pattern.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"telecortex/discovery"
	"telecortex/manager"
	"telecortex/session"
	"telecortex/worker"
)

// ControllerEntry is one controller's registry record as it appears in
// the fleet JSON file.
type ControllerEntry struct {
	ID           string `json:"id"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	DevicePath   string `json:"device_path,omitempty"`
	CID          string `json:"cid,omitempty"`
	Baud         int    `json:"baud,omitempty"`
}

// FleetConfig is the top-level shape of the fleet registry file: the
// controllers to discover plus the session/manager policy knobs that
// apply across all of them.
type FleetConfig struct {
	Controllers []ControllerEntry `json:"controllers"`

	IgnoreSerial    bool   `json:"ignore_serial,omitempty"`
	MaxAckWindow    int    `json:"max_ack_window,omitempty"`
	ChunkSize       int    `json:"chunk_size,omitempty"`
	DoChecksum      *bool  `json:"do_checksum,omitempty"`
	ErrorLeniency   bool   `json:"error_leniency,omitempty"`
	AckTimeoutMS    int    `json:"ack_timeout_ms,omitempty"`
	WorkerQueueSize int    `json:"worker_queue_size,omitempty"`
	SubmitRetryCap  int    `json:"submit_retry_cap,omitempty"`
	MetricsAddr     string `json:"metrics_addr,omitempty"`
}

// Load parses a fleet registry file and applies spec-mandated defaults
// to any field the JSON left zero-valued.
func Load(jsonData []byte) (*FleetConfig, error) {
	var fc FleetConfig
	if err := json.Unmarshal(jsonData, &fc); err != nil {
		return nil, fmt.Errorf("parse fleet config: %w", err)
	}
	applyDefaults(&fc)
	return &fc, nil
}

func applyDefaults(fc *FleetConfig) {
	if fc.MaxAckWindow == 0 {
		fc.MaxAckWindow = 5
	}
	if fc.ChunkSize == 0 {
		fc.ChunkSize = 256
	}
	if fc.AckTimeoutMS == 0 {
		fc.AckTimeoutMS = 5000
	}
	if fc.WorkerQueueSize == 0 {
		fc.WorkerQueueSize = 10
	}
	if fc.SubmitRetryCap == 0 {
		fc.SubmitRetryCap = 1000
	}
	for i := range fc.Controllers {
		if fc.Controllers[i].Baud == 0 {
			fc.Controllers[i].Baud = 115200
		}
	}
}

// SessionConfig builds a session.Config from the fleet-wide policy
// knobs, starting from session.DefaultConfig so any field the registry
// didn't set keeps its spec default.
func (fc *FleetConfig) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.MaxAckWindow = fc.MaxAckWindow
	cfg.ChunkSize = fc.ChunkSize
	cfg.OutBufBudget = int(1.2 * float64(fc.ChunkSize))
	cfg.ErrorLeniency = fc.ErrorLeniency
	cfg.AckTimeout = time.Duration(fc.AckTimeoutMS) * time.Millisecond
	if fc.DoChecksum != nil {
		cfg.DoChecksum = *fc.DoChecksum
	}
	return cfg
}

// ManagerConfig builds a manager.Config from the fleet-wide policy
// knobs.
func (fc *FleetConfig) ManagerConfig() manager.Config {
	cfg := manager.DefaultConfig()
	cfg.Session = fc.SessionConfig()
	cfg.IgnoreSerial = fc.IgnoreSerial
	cfg.SubmitRetryCap = fc.SubmitRetryCap
	cfg.Worker = worker.DefaultConfig()
	cfg.Worker.QueueCapacity = fc.WorkerQueueSize
	return cfg
}

// ControllerSpecs converts the registry entries to discovery.ControllerSpecs,
// each carrying its own copy of the handshake session config.
func (fc *FleetConfig) ControllerSpecs() []discovery.ControllerSpec {
	handshakeCfg := fc.SessionConfig()
	specs := make([]discovery.ControllerSpec, 0, len(fc.Controllers))
	for _, c := range fc.Controllers {
		specs = append(specs, discovery.ControllerSpec{
			ID:              c.ID,
			VendorID:        c.VendorID,
			ProductID:       c.ProductID,
			SerialNumber:    c.SerialNumber,
			DevicePath:      c.DevicePath,
			CID:             c.CID,
			Baud:            c.Baud,
			HandshakeConfig: handshakeCfg,
		})
	}
	return specs
}
