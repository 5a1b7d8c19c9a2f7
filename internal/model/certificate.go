package model

import "time"

// CertificateType tags the three certificate variants the syncer consumes
// read-only (trust-chain validation itself is out of scope, per spec.md §1).
type CertificateType uint8

const (
	CertDevice CertificateType = iota
	CertUser
	CertDeviceRevoked
)

// Certificate is an envelope-signed statement about a device or user.
type Certificate struct {
	Type      CertificateType
	Payload   []byte
	Signer    DeviceID
	Timestamp time.Time
}
