// Package discovery resolves a logical controller spec (USB identity
// and/or a controller-ID) to a concrete serial device path, per the
// steps in spec.md §4.5.
package discovery

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"telecortex/session"
	"telecortex/transport"
)

// ErrNoDevice is returned when discovery narrows the candidate set to
// zero ports. The Manager treats this as non-fatal: it logs and leaves
// that controller's worker unstarted.
var ErrNoDevice = errors.New("discovery: no matching device found")

// ControllerSpec is a registry entry: any subset of VendorID/ProductID/
// SerialNumber/DevicePath (wildcards when empty), an optional CID to
// disambiguate by handshake, and the transport parameters to use once
// resolved.
type ControllerSpec struct {
	ID           string
	VendorID     string
	ProductID    string
	SerialNumber string
	DevicePath   string
	CID          string
	Baud         int
	// HandshakeConfig is used only for the CID-resolution handshake
	// (its AckTimeout bounds the handshake read deadline); the worker's
	// real Session uses its own Config once discovery resolves a path.
	HandshakeConfig session.Config
}

// Options carries cross-controller discovery policy.
type Options struct {
	IgnoreSerial bool
	Log          *logrus.Entry
	// Opener opens the transient transport used for CID handshakes
	// during discovery. Defaults to transport.OpenSerialTransport; tests
	// substitute a fake that hands back a scripted MemTransport.
	Opener transport.Opener
}

// Resolve implements spec.md §4.5 steps 1-5. knownCIDs caches
// path->CID across calls so repeat discovery doesn't re-handshake.
func Resolve(spec ControllerSpec, enum transport.Enumerator, knownCIDs map[string]string, opts Options) (path string, cid string, err error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("controller_id", spec.ID)

	if spec.DevicePath != "" {
		return spec.DevicePath, knownCIDs[spec.DevicePath], nil
	}

	ports, err := enum.EnumeratePorts()
	if err != nil {
		return "", "", fmt.Errorf("enumerate ports: %w", err)
	}

	candidates := filterPorts(ports, spec, opts.IgnoreSerial)

	opener := opts.Opener
	if opener == nil {
		opener = transport.OpenSerialTransport
	}

	if spec.CID != "" && len(candidates) > 1 {
		candidates = filterByCID(candidates, spec, knownCIDs, opener, log)
	}

	switch len(candidates) {
	case 0:
		log.WithFields(logrus.Fields{
			"vendor_id":     spec.VendorID,
			"product_id":    spec.ProductID,
			"serial_number": spec.SerialNumber,
			"cid":           spec.CID,
		}).Error("target device not found for controller")
		return "", "", ErrNoDevice
	case 1:
		return candidates[0].Path, knownCIDs[candidates[0].Path], nil
	default:
		log.WithField("candidates", len(candidates)).Warn("ambiguous controller match: multiple ports satisfy the filter, picking the first")
		return candidates[0].Path, knownCIDs[candidates[0].Path], nil
	}
}

func filterPorts(ports []transport.PortInfo, spec ControllerSpec, ignoreSerial bool) []transport.PortInfo {
	var out []transport.PortInfo
	for _, p := range ports {
		if spec.VendorID != "" && p.VendorID != spec.VendorID {
			continue
		}
		if spec.ProductID != "" && p.ProductID != spec.ProductID {
			continue
		}
		if !ignoreSerial && spec.SerialNumber != "" && p.SerialNumber != spec.SerialNumber {
			continue
		}
		out = append(out, p)
	}
	return out
}

func filterByCID(ports []transport.PortInfo, spec ControllerSpec, knownCIDs map[string]string, opener transport.Opener, log *logrus.Entry) []transport.PortInfo {
	var out []transport.PortInfo
	for _, p := range ports {
		cid, ok := knownCIDs[p.Path]
		if !ok {
			learned, err := HandshakeCID(opener, p.Path, spec.Baud, spec.HandshakeConfig)
			if err != nil {
				log.WithError(err).WithField("path", p.Path).Warn("CID handshake failed; excluding candidate")
				continue
			}
			knownCIDs[p.Path] = learned
			cid = learned
		}
		if cid == spec.CID {
			out = append(out, p)
		}
	}
	return out
}

// HandshakeCID opens a transient session against path via opener,
// resets the board, queries its CID, then closes the transport. Used by
// filterByCID and directly by callers that want to pre-warm the
// known-CID cache.
func HandshakeCID(opener transport.Opener, path string, baud int, cfg session.Config) (string, error) {
	if opener == nil {
		opener = transport.OpenSerialTransport
	}
	t, err := opener(transport.Descriptor{Path: path, Baud: baud, ReadTimeout: cfg.AckTimeout})
	if err != nil {
		return "", err
	}
	defer t.Close()

	s := session.New(t, cfg, nil)
	if err := s.ResetBoard(); err != nil {
		return "", err
	}
	return s.GetCID()
}
