// Package checksum computes content digests locally and parses the output of
// the matching coreutils-style tool run on a remote host. Digests are used
// for equality checks only.
package checksum

import (
	"crypto/md5" // #nosec G501 -- equality check, not security
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm pairs a local hash implementation with the remote tool that
// prints the same digest in "<hex>  <path>" form.
type Algorithm struct {
	Name string
	Tool string
	New  func() hash.Hash
}

var (
	MD5    = Algorithm{Name: "md5", Tool: "md5sum", New: md5.New}
	SHA256 = Algorithm{Name: "sha256", Tool: "sha256sum", New: sha256.New}
	BLAKE3 = Algorithm{Name: "blake3", Tool: "b3sum", New: func() hash.Hash { return blake3.New() }}
)

// Default is used when no algorithm is configured.
var Default = MD5

var ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")

// Lookup returns the algorithm registered under name. An empty name
// returns Default.
func Lookup(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return Default, nil
	case MD5.Name:
		return MD5, nil
	case SHA256.Name:
		return SHA256, nil
	case BLAKE3.Name, "b3":
		return BLAKE3, nil
	default:
		return Algorithm{}, fmt.Errorf("%w: %q (supported: md5, sha256, blake3)", ErrUnknownAlgorithm, name)
	}
}

// Sum returns the lowercase hex digest of data.
func (a Algorithm) Sum(data []byte) string {
	h := a.New()
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HexLen is the length of a hex digest produced by this algorithm.
func (a Algorithm) HexLen() int {
	return a.New().Size() * 2
}

var ErrMalformedOutput = errors.New("malformed checksum output")

// ParseOutput extracts the digest from the tool's stdout. Only the first
// line is considered.
func (a Algorithm) ParseOutput(out string) (string, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty output from %s", ErrMalformedOutput, a.Tool)
	}
	// GNU tools prefix the line with a backslash when the file name needs escaping.
	digest := strings.ToLower(strings.TrimPrefix(fields[0], "\\"))
	if len(digest) != a.HexLen() {
		return "", fmt.Errorf("%w: %s digest has length %d, want %d", ErrMalformedOutput, a.Name, len(digest), a.HexLen())
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return digest, nil
}
