// Package datahash builds the data-hash assertion handed to a manifest
// signer: the byte zones left out of the hash plus the digest of everything
// else, encoded as deterministic CBOR.
package datahash

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/opencontainers/go-digest"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// Label is the assertion label a signer files this under.
const Label = "c2pa.hash.data"

// DefaultName is the assertion name used when none is given.
const DefaultName = "jumbf manifest"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("datahash: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("datahash: CBOR decoder initialization failed: " + err.Error())
	}
}

// Exclusion is one zone skipped by the hash.
type Exclusion struct {
	Start  uint64 `cbor:"start" json:"start" yaml:"start"`
	Length uint64 `cbor:"length" json:"length" yaml:"length"`
}

// Assertion is the data-hash assertion body.
type Assertion struct {
	Exclusions []Exclusion `cbor:"exclusions" json:"exclusions" yaml:"exclusions"`
	Name       string      `cbor:"name,omitempty" json:"name,omitempty" yaml:"name,omitempty"`
	Alg        string      `cbor:"alg" json:"alg" yaml:"alg"`
	Hash       []byte      `cbor:"hash" json:"hash" yaml:"hash"`
	Pad        []byte      `cbor:"pad" json:"pad" yaml:"pad"`
}

// New builds an assertion from a destination structure and the digest of
// its hashable bytes. The exclusions are the structure's exclusion zones for
// kinds at the given granularity.
func New(dest *segment.Structure, kinds []segment.Kind, mode segment.ExclusionMode, d digest.Digest) (*Assertion, error) {
	if !strings.Contains(string(d), ":") {
		return nil, errors.InvalidFormat("malformed digest %q", d)
	}
	alg, encoded := d.Algorithm(), d.Encoded()
	if alg == "" || encoded == "" {
		return nil, errors.InvalidFormat("malformed digest %q", d)
	}
	sum, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, errors.InvalidFormat("digest %q is not hex: %v", d, err)
	}

	a := &Assertion{
		Name: DefaultName,
		Alg:  alg.String(),
		Hash: sum,
		Pad:  []byte{},
	}
	for _, z := range dest.ExclusionRanges(kinds, mode) {
		a.Exclusions = append(a.Exclusions, Exclusion{Start: z.Offset, Length: z.Size})
	}
	return a, nil
}

// Digest returns the hash as a go-digest value.
func (a *Assertion) Digest() digest.Digest {
	return digest.NewDigestFromEncoded(digest.Algorithm(a.Alg), hex.EncodeToString(a.Hash))
}

// Ranges returns the exclusions as byte ranges.
func (a *Assertion) Ranges() []segment.ByteRange {
	out := make([]segment.ByteRange, 0, len(a.Exclusions))
	for _, e := range a.Exclusions {
		out = append(out, segment.ByteRange{Offset: e.Start, Size: e.Length})
	}
	return out
}

// Encode serializes the assertion with Core Deterministic CBOR, so equal
// assertions always encode to identical bytes.
func (a *Assertion) Encode() ([]byte, error) {
	data, err := encMode.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode data hash assertion: %w", err)
	}
	return data, nil
}

// Decode parses an encoded assertion.
func Decode(data []byte) (*Assertion, error) {
	var a Assertion
	if err := decMode.Unmarshal(data, &a); err != nil {
		return nil, errors.ErrInvalidFormat.WithCause(err).WithMessage("malformed data hash assertion")
	}
	if a.Alg == "" || len(a.Hash) == 0 {
		return nil, errors.InvalidFormat("data hash assertion without alg or hash")
	}
	return &a, nil
}
