package transport

import (
	"os"
	"path/filepath"
	"strings"
)

// PortInfo describes one serial port as reported by the host OS.
type PortInfo struct {
	Path         string
	VendorID     string
	ProductID    string
	SerialNumber string
}

// Enumerator lists candidate serial ports. Production code uses
// SysfsEnumerator; tests use a fake returning a fixed slice.
type Enumerator interface {
	EnumeratePorts() ([]PortInfo, error)
}

// SysfsEnumerator lists tty devices on Linux by walking
// /sys/class/tty/*/device/../{idVendor,idProduct,serial}, the same
// sysfs paths pyserial's list_ports_linux.py reads. No dependency in
// the retrieval pack exposes cross-platform USB-serial enumeration, so
// this walks sysfs directly with the standard library.
type SysfsEnumerator struct {
	// SysfsRoot overrides "/sys/class/tty" in tests.
	SysfsRoot string
}

func (e SysfsEnumerator) root() string {
	if e.SysfsRoot != "" {
		return e.SysfsRoot
	}
	return "/sys/class/tty"
}

func (e SysfsEnumerator) EnumeratePorts() ([]PortInfo, error) {
	root := e.root()
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var ports []PortInfo
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, "ttyUSB") && !strings.HasPrefix(name, "ttyACM") {
			continue
		}
		devDir := filepath.Join(root, name, "device")
		usbDir := findUSBAncestor(devDir)
		if usbDir == "" {
			continue
		}
		ports = append(ports, PortInfo{
			Path:         filepath.Join("/dev", name),
			VendorID:     readSysfsHex(usbDir, "idVendor"),
			ProductID:    readSysfsHex(usbDir, "idProduct"),
			SerialNumber: readSysfsString(usbDir, "serial"),
		})
	}
	return ports, nil
}

// findUSBAncestor walks up from a tty's device symlink target looking
// for the ancestor directory that carries idVendor/idProduct, i.e. the
// actual USB device node rather than the tty's own interface node.
func findUSBAncestor(devDir string) string {
	resolved, err := filepath.EvalSymlinks(devDir)
	if err != nil {
		return ""
	}
	dir := resolved
	for i := 0; i < 6 && dir != "/" && dir != "."; i++ {
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir
		}
		dir = filepath.Dir(dir)
	}
	return ""
}

func readSysfsString(dir, file string) string {
	b, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func readSysfsHex(dir, file string) string {
	return strings.ToLower(readSysfsString(dir, file))
}
