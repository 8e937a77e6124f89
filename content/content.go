// Package content builds and checks the payloads that write scenarios put
// into the monitored repository and read scenarios expect to find there.
//
// A small payload is a decimal unix timestamp. A large payload is the
// timestamp line, a blank line, and a verification tail derived from the
// timestamp: a chain of digests, each the digest of the previous one,
// starting from the digest of the timestamp string. The whole chain is
// encoded as unpadded URL-safe base64 and wrapped at TailWidth columns.
package content

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// ChainLength is the number of chained digests in the tail.
	ChainLength = 1112
	// TailWidth is the column at which the written tail is wrapped.
	TailWidth = 100
)

// Digest names the hash used for the tail.
type Digest string

// Supported digests.
const (
	SHA256 Digest = "sha256"
	BLAKE3 Digest = "blake3"
)

func (d Digest) hasher() (func() hash.Hash, error) {
	switch d {
	case "", SHA256:
		return sha256.New, nil
	case BLAKE3:
		return func() hash.Hash { return blake3.New() }, nil
	default:
		return nil, fmt.Errorf("unknown digest %q", string(d))
	}
}

// Options select the payload shape.
type Options struct {
	Large  bool
	Digest Digest
}

// ValidationError reports content that does not match what was expected.
// It is also used for seed, root and dialog mismatches.
type ValidationError struct {
	What string
	Want string
	Got  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: expected %q, got %q", e.What, e.Want, e.Got)
}

// Mismatch returns a *ValidationError.
func Mismatch(what, want, got string) error {
	return &ValidationError{What: what, Want: want, Got: got}
}

// Tail returns the unwrapped verification tail for seed.
func Tail(seed string, d Digest) (string, error) {
	newHash, err := d.hasher()
	if err != nil {
		return "", err
	}

	h := newHash()
	chain := make([]byte, 0, ChainLength*h.Size())
	prev := []byte(seed)
	for i := 0; i < ChainLength; i++ {
		h.Reset()
		h.Write(prev)
		prev = h.Sum(nil)
		chain = append(chain, prev...)
	}
	return base64.RawURLEncoding.EncodeToString(chain), nil
}

// Prepare renders the payload for timestamp ts.
func Prepare(ts int64, opts Options) (string, error) {
	head := strconv.FormatInt(ts, 10)
	if !opts.Large {
		return head, nil
	}

	tail, err := Tail(head, opts.Digest)
	if err != nil {
		return "", err
	}
	return head + "\n\n" + wrap(tail, TailWidth), nil
}

// Parse returns the timestamp heading contents without checking the tail.
func Parse(contents string) (int64, error) {
	head, _, _ := strings.Cut(strings.TrimLeft(contents, "\r\n"), "\n")
	head = strings.TrimSpace(head)
	ts, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, Mismatch("timestamp", "decimal integer", head)
	}
	return ts, nil
}

// Process parses contents and, when a tail is present, checks it against
// one recomputed from the timestamp line. Large contents must carry a tail.
func Process(contents string, opts Options) (int64, error) {
	ts, err := Parse(contents)
	if err != nil {
		return 0, err
	}

	_, rest, _ := strings.Cut(strings.TrimLeft(contents, "\r\n"), "\n")
	got := strings.Join(strings.Fields(rest), "")
	if got == "" {
		if opts.Large {
			return 0, Mismatch("content tail", "verification tail", "none")
		}
		return ts, nil
	}

	want, err := Tail(strconv.FormatInt(ts, 10), opts.Digest)
	if err != nil {
		return 0, err
	}
	if got != want {
		return 0, Mismatch("content tail", abbreviate(want), abbreviate(got))
	}
	return ts, nil
}

func wrap(s string, width int) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/width)
	for len(s) > width {
		b.WriteString(s[:width])
		b.WriteByte('\n')
		s = s[width:]
	}
	b.WriteString(s)
	return b.String()
}

func abbreviate(s string) string {
	if len(s) <= 24 {
		return s
	}
	return s[:10] + "..." + s[len(s)-10:]
}
