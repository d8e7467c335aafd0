package guard

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pion/ice/v2"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

var (
	ErrInvalidSDP       = fmt.Errorf("%w: invalid session description", ErrViolation)
	ErrInvalidCandidate = fmt.Errorf("%w: invalid ice candidate", ErrViolation)
)

var fingerprintAlgorithms = map[string]int{
	"sha-1":   20,
	"sha-224": 28,
	"sha-256": 32,
	"sha-384": 48,
	"sha-512": 64,
}

// SDPConfig bounds session descriptions and candidates.
type SDPConfig struct {
	MaxDescriptionSize int
	MaxCandidateSize   int
	MaxMidLength       int
}

func (c SDPConfig) withDefaults() SDPConfig {
	if c.MaxDescriptionSize <= 0 {
		c.MaxDescriptionSize = 10 * 1024
	}
	if c.MaxCandidateSize <= 0 {
		c.MaxCandidateSize = 512
	}
	if c.MaxMidLength <= 0 {
		c.MaxMidLength = 64
	}
	return c
}

// SDPValidator checks call-setup payloads before they are forwarded. It never
// modifies what it validates.
type SDPValidator struct {
	config SDPConfig
}

// NewSDPValidator creates a validator.
func NewSDPValidator(config SDPConfig) *SDPValidator {
	return &SDPValidator{config: config.withDefaults()}
}

// ValidateDescription enforces the size limit and requires a DTLS fingerprint
// and ICE credentials at session level or in every media section.
func (v *SDPValidator) ValidateDescription(desc webrtc.SessionDescription) error {
	if desc.SDP == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSDP)
	}
	if len(desc.SDP) > v.config.MaxDescriptionSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidSDP, len(desc.SDP), v.config.MaxDescriptionSize)
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}

	for _, attr := range []string{"fingerprint", "ice-ufrag", "ice-pwd"} {
		value, err := requireAttribute(&parsed, attr)
		if err != nil {
			return err
		}
		if err := checkAttribute(attr, value); err != nil {
			return err
		}
	}

	for _, media := range parsed.MediaDescriptions {
		for _, a := range media.Attributes {
			if a.Key != "candidate" {
				continue
			}
			if err := v.checkCandidate(a.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

// requireAttribute returns the session-level value of key, or the value of the
// first media section when every media section carries it.
func requireAttribute(s *sdp.SessionDescription, key string) (string, error) {
	if value, ok := s.Attribute(key); ok {
		return value, nil
	}
	if len(s.MediaDescriptions) == 0 {
		return "", fmt.Errorf("%w: missing a=%s", ErrInvalidSDP, key)
	}

	var first string
	for i, media := range s.MediaDescriptions {
		value, ok := media.Attribute(key)
		if !ok {
			return "", fmt.Errorf("%w: media section %d missing a=%s", ErrInvalidSDP, i, key)
		}
		if i == 0 {
			first = value
		}
	}
	return first, nil
}

func checkAttribute(key, value string) error {
	switch key {
	case "fingerprint":
		parts := strings.Fields(value)
		if len(parts) != 2 {
			return fmt.Errorf("%w: malformed fingerprint", ErrInvalidSDP)
		}
		size, ok := fingerprintAlgorithms[strings.ToLower(parts[0])]
		if !ok {
			return fmt.Errorf("%w: unsupported fingerprint algorithm %q", ErrInvalidSDP, parts[0])
		}
		raw, err := hex.DecodeString(strings.ReplaceAll(parts[1], ":", ""))
		if err != nil || len(raw) != size {
			return fmt.Errorf("%w: malformed fingerprint value", ErrInvalidSDP)
		}
	case "ice-ufrag":
		if len(value) < 4 || len(value) > 256 {
			return fmt.Errorf("%w: ice-ufrag length %d", ErrInvalidSDP, len(value))
		}
	case "ice-pwd":
		if len(value) < 22 || len(value) > 256 {
			return fmt.Errorf("%w: ice-pwd length %d", ErrInvalidSDP, len(value))
		}
	}
	return nil
}

// ValidateCandidate bounds and shape-checks one trickled candidate. An empty
// candidate string signals end of candidates and is accepted.
func (v *SDPValidator) ValidateCandidate(c webrtc.ICECandidateInit) error {
	if c.SDPMid != nil && len(*c.SDPMid) > v.config.MaxMidLength {
		return fmt.Errorf("%w: sdpMid length %d exceeds %d", ErrInvalidCandidate, len(*c.SDPMid), v.config.MaxMidLength)
	}
	if c.UsernameFragment != nil && len(*c.UsernameFragment) > 256 {
		return fmt.Errorf("%w: usernameFragment too long", ErrInvalidCandidate)
	}
	if c.Candidate == "" {
		return nil
	}
	return v.checkCandidate(c.Candidate)
}

func (v *SDPValidator) checkCandidate(raw string) error {
	if len(raw) > v.config.MaxCandidateSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidCandidate, len(raw), v.config.MaxCandidateSize)
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(raw, "candidate:")); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	return nil
}
