// Package gateway is the device-facing boundary: it decodes inbound
// return-box messages into events, and publishes instructions back to
// the originating box. No business logic lives here.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Item decisions sent back to a box.
const (
	DecisionAccept = "accept"
	DecisionReject = "reject"
)

// Session signal actions.
const (
	ActionDone   = "done"
	ActionCancel = "cancel"
)

// ScanEvent is one tag read reported by a box. Boxes may deliver the
// same scan more than once; ordering holds only within one device.
type ScanEvent struct {
	DeviceID string
	Tag      string
	Token    string // optional device session token
	At       time.Time
}

// SessionSignal closes or cancels a device's open session. Token is
// the user's device session token when the app attached one to the
// done signal.
type SessionSignal struct {
	DeviceID string
	Action   string
	Token    string
	At       time.Time
}

// InventoryReport is a box's door-close inventory. Recorded for
// observability; it never mutates ledger state.
type InventoryReport struct {
	DeviceID string
	Tags     []string
}

// ItemResult instructs the box what to do with one physical item.
type ItemResult struct {
	TagID      string `json:"tagId"`
	Decision   string `json:"decision"`
	ReasonCode string `json:"reasonCode"`
}

// SessionSummary is sent once per finalized session.
type SessionSummary struct {
	DeviceID      string `json:"deviceId"`
	TransactionID int64  `json:"transactionId"`
	ItemCount     int    `json:"itemCount"`
	TotalFine     string `json:"totalFine"`
}

// Handler is the inbound sink the reconciliation engine implements.
type Handler interface {
	HandleScan(ev ScanEvent)
	HandleSessionSignal(sig SessionSignal)
	HandleInventory(rep InventoryReport)
}

// Instructor is the outbound surface the engine depends on. The MQTT
// adapter implements it; tests substitute a recorder.
type Instructor interface {
	SendItemResult(ctx context.Context, deviceID string, result ItemResult) error
	SendSessionSummary(ctx context.Context, summary SessionSummary) error
}

const deviceIDPrefix = "ReturnBox"

// DeviceID formats the canonical device identifier for a box.
func DeviceID(boxID int64) string {
	return fmt.Sprintf("%s%d", deviceIDPrefix, boxID)
}

// BoxID extracts the numeric return-box id from a device identifier
// like "ReturnBox01".
func BoxID(deviceID string) (int64, error) {
	raw := strings.TrimPrefix(deviceID, deviceIDPrefix)
	if raw == deviceID || raw == "" {
		return 0, fmt.Errorf("malformed device id %q", deviceID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed device id %q: %w", deviceID, err)
	}
	return id, nil
}

// ParseTopic splits "ReturnBox01/Return" into device id and channel.
func ParseTopic(topic string) (deviceID, channel string, err error) {
	parts := strings.SplitN(topic, "/", 2)
	if len(parts) != 2 || !strings.HasPrefix(parts[0], deviceIDPrefix) {
		return "", "", fmt.Errorf("unrecognized topic %q", topic)
	}
	if _, err := BoxID(parts[0]); err != nil {
		return "", "", err
	}
	return parts[0], parts[1], nil
}

// DecodeTagList accepts the two payload shapes boxes send: a bare JSON
// array of tags, or an object keyed by the channel name, e.g.
// {"Return": ["EPC1", "EPC2"]}.
func DecodeTagList(payload []byte, key string) ([]string, error) {
	var tags []string
	if err := json.Unmarshal(payload, &tags); err == nil {
		return tags, nil
	}

	var wrapped map[string][]string
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, fmt.Errorf("undecodable tag list: %w", err)
	}
	tags, ok := wrapped[key]
	if !ok {
		return nil, fmt.Errorf("tag list payload missing %q key", key)
	}
	return tags, nil
}

// sessionPayload is the body of a ReturnBox{n}/Session message.
type sessionPayload struct {
	Action string `json:"action"`
	Token  string `json:"token,omitempty"`
}

// DecodeSessionSignal parses a session done/cancel payload.
func DecodeSessionSignal(payload []byte) (action, token string, err error) {
	var body sessionPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", "", fmt.Errorf("undecodable session signal: %w", err)
	}
	switch body.Action {
	case ActionDone, ActionCancel:
		return body.Action, body.Token, nil
	default:
		return "", "", fmt.Errorf("unknown session action %q", body.Action)
	}
}
