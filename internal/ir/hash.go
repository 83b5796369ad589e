package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for a future algorithm change.
const (
	DomainNotification = "changeset/notification/v1"
	DomainPlan         = "changeset/plan/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NotificationID computes the content-addressed id of a released notification.
// The same resource, action, record data and seq always yield the same id.
func NotificationID(resource, action string, data IRObject, seq int64) (string, error) {
	obj := IRObject{
		"resource": IRString(resource),
		"action":   IRString(action),
		"data":     data,
		"seq":      IRInt(seq),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("NotificationID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainNotification, canonical), nil
}

// PlanHash fingerprints a rendered atomic plan so two compilations of the
// same action and inputs can be compared cheaply.
func PlanHash(plan IRObject) (string, error) {
	canonical, err := MarshalCanonical(plan)
	if err != nil {
		return "", fmt.Errorf("PlanHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPlan, canonical), nil
}

// MustNotificationID is like NotificationID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustNotificationID(resource, action string, data IRObject, seq int64) string {
	id, err := NotificationID(resource, action, data, seq)
	if err != nil {
		panic(err)
	}
	return id
}
