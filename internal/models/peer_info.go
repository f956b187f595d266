package models

import (
	"github.com/xelth-com/peerlinkgo/internal/apperr"
)

// OSType is the operating system family a peer reports.
type OSType string

const (
	OSWindows OSType = "windows"
	OSMacOS   OSType = "macos"
	OSLinux   OSType = "linux"
	OSAndroid OSType = "android"
	OSIOS     OSType = "ios"
	OSUnknown OSType = "unknown"
)

func (o OSType) valid() bool {
	switch o {
	case OSWindows, OSMacOS, OSLinux, OSAndroid, OSIOS, OSUnknown:
		return true
	}
	return false
}

// FormFactor is the kind of device a peer runs on.
type FormFactor string

const (
	FormDesktop FormFactor = "desktop"
	FormLaptop  FormFactor = "laptop"
	FormMobile  FormFactor = "mobile"
	FormTablet  FormFactor = "tablet"
	FormUnknown FormFactor = "unknown"
	FormServer  FormFactor = "server"
)

func (f FormFactor) valid() bool {
	switch f {
	case FormDesktop, FormLaptop, FormMobile, FormTablet, FormUnknown, FormServer:
		return true
	}
	return false
}

// DeviceInfo describes the platform of a peer.
type DeviceInfo struct {
	OS         OSType     `json:"os"`
	OSFlavour  *string    `json:"osFlavour"`
	FormFactor FormFactor `json:"formFactor"`
}

// PeerInfo is the client-supplied description of a peer, also used as the
// payload of peer_added and peer_removed events.
type PeerInfo struct {
	DeviceName  string     `json:"deviceName"`
	Fingerprint string     `json:"fingerprint"`
	Version     string     `json:"version"`
	DeviceInfo  DeviceInfo `json:"deviceInfo"`
	IconKey     *string    `json:"iconKey"`
}

// MinFingerprintLen is the shortest fingerprint accepted from clients.
const MinFingerprintLen = 6

// Validate checks field bounds and enum values.
func (p PeerInfo) Validate() error {
	switch {
	case len(p.DeviceName) < 1 || len(p.DeviceName) > 255:
		return apperr.Validation("peerInfo.deviceName", "must be 1-255 characters")
	case len(p.Fingerprint) < MinFingerprintLen:
		return apperr.Validation("peerInfo.fingerprint", "must be at least 6 characters")
	case len(p.Version) < 1 || len(p.Version) > 64:
		return apperr.Validation("peerInfo.version", "must be 1-64 characters")
	case !p.DeviceInfo.OS.valid():
		return apperr.Validation("peerInfo.deviceInfo.os", "unsupported operating system")
	case !p.DeviceInfo.FormFactor.valid():
		return apperr.Validation("peerInfo.deviceInfo.formFactor", "unsupported form factor")
	}
	return nil
}
