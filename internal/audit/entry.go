package audit

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity levels
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityAlert    Severity = "ALERT"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists all levels from least to most severe.
var Severities = []Severity{SeverityInfo, SeverityWarn, SeverityAlert, SeverityCritical}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	switch sev {
	case SeverityInfo, SeverityWarn, SeverityAlert, SeverityCritical:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity: %q", s)
}

// GenesisHash is the prevHash of the very first entry.
var GenesisHash = strings.Repeat("0", 64)

const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one line of the audit log.
type Entry struct {
	Seq       uint64         `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Category  string         `json:"category"`
	Event     string         `json:"event"`
	Severity  Severity       `json:"severity"`
	Data      map[string]any `json:"data"`
	PrevHash  string         `json:"prevHash"`
	HMAC      string         `json:"hmac"`
	ChainHash string         `json:"chainHash"`
}

// Time parses the entry timestamp.
func (e Entry) Time() time.Time {
	t, _ := time.Parse(timestampLayout, e.Timestamp)
	return t
}

// body is the signed part of an entry, in a fixed field order.
type body struct {
	Seq       uint64         `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Category  string         `json:"category"`
	Event     string         `json:"event"`
	Severity  Severity       `json:"severity"`
	Data      map[string]any `json:"data"`
}

type chained struct {
	body
	PrevHash string `json:"prevHash"`
	HMAC     string `json:"hmac"`
}

func (e Entry) body() body {
	return body{
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Category:  e.Category,
		Event:     e.Event,
		Severity:  e.Severity,
		Data:      e.Data,
	}
}

// computeHMAC signs the entry without its chain fields.
func computeHMAC(key []byte, e Entry) (string, error) {
	b, err := json.Marshal(e.body())
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// computeChainHash hashes the entry together with prevHash and hmac.
func computeChainHash(e Entry) (string, error) {
	b, err := json.Marshal(chained{body: e.body(), PrevHash: e.PrevHash, HMAC: e.HMAC})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// seal fills HMAC and ChainHash.
func seal(key []byte, e *Entry) error {
	mac, err := computeHMAC(key, *e)
	if err != nil {
		return fmt.Errorf("failed to compute hmac: %w", err)
	}
	e.HMAC = mac

	chain, err := computeChainHash(*e)
	if err != nil {
		return fmt.Errorf("failed to compute chain hash: %w", err)
	}
	e.ChainHash = chain
	return nil
}

// parseEntry decodes one line, keeping numbers exactly as written.
func parseEntry(line []byte) (Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var e Entry
	if err := dec.Decode(&e); err != nil {
		return Entry{}, err
	}
	if dec.More() {
		return Entry{}, fmt.Errorf("trailing data after entry")
	}
	return e, nil
}

// normalizeData round-trips data through JSON so the stored form is exactly
// what a verifier will decode.
func normalizeData(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	out := map[string]any{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
