package audit

import (
	"bufio"
	"crypto/hmac"
	"fmt"
	"io"
)

const maxLineSize = 1 << 20

// VerifyResult reports the outcome of a chain replay. BrokenAtIndex is the
// 0-based line index of the first inconsistency, nil when valid.
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	BrokenAtIndex *int   `json:"brokenAtIndex"`
	Entries       int    `json:"entries"`
	Reason        string `json:"reason,omitempty"`
	LastHash      string `json:"lastHash,omitempty"`
}

func broken(index, entries int, reason string) VerifyResult {
	i := index
	return VerifyResult{Valid: false, BrokenAtIndex: &i, Entries: entries, Reason: reason}
}

// VerifySegment replays the chain in r from its first line. The first entry's
// prevHash is taken as given; every later one must equal its predecessor's
// stored chainHash.
func VerifySegment(r io.Reader, key []byte) (VerifyResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var (
		index    int
		prevHash string
		prevSeq  uint64
	)

	for scanner.Scan() {
		line := scanner.Bytes()

		e, err := parseEntry(line)
		if err != nil {
			return broken(index, index, "unparseable entry"), nil
		}

		if index > 0 {
			if e.PrevHash != prevHash {
				return broken(index, index, "prevHash does not match previous chainHash"), nil
			}
			if e.Seq != prevSeq+1 {
				return broken(index, index, "sequence gap"), nil
			}
		}

		mac, err := computeHMAC(key, e)
		if err != nil || !hmac.Equal([]byte(mac), []byte(e.HMAC)) {
			return broken(index, index, "hmac mismatch"), nil
		}

		chain, err := computeChainHash(e)
		if err != nil || chain != e.ChainHash {
			return broken(index, index, "chainHash mismatch"), nil
		}

		prevHash = e.ChainHash
		prevSeq = e.Seq
		index++
	}
	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return broken(index, index, "line too long"), nil
		}
		return VerifyResult{}, fmt.Errorf("failed to read segment: %w", err)
	}

	return VerifyResult{Valid: true, Entries: index, LastHash: prevHash}, nil
}

// VerifyFile verifies a segment file, plain or archived.
func VerifyFile(path string, key []byte) (VerifyResult, error) {
	r, err := openReader(path)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("failed to open segment: %w", err)
	}
	defer r.Close()

	return VerifySegment(r, key)
}

// ListSegments lists the segments in dir written under prefix, oldest first.
// It does not open the log, so it is safe to call while a server is running.
func ListSegments(dir, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = "security"
	}
	return listSegments(dir, prefix)
}
