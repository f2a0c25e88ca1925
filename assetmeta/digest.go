package assetmeta

import (
	"encoding/hex"
	"hash"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"

	"github.com/flaneur2020/asset-meta/assetmeta/errors"
)

// BLAKE3 names the blake3 algorithm. go-digest does not register it by
// default, so digests are built from the hasher directly.
const BLAKE3 digest.Algorithm = "blake3"

// Algorithms lists the digest algorithms NewDigester accepts.
func Algorithms() []digest.Algorithm {
	return []digest.Algorithm{digest.SHA256, digest.SHA384, digest.SHA512, BLAKE3}
}

// NewDigester returns a digester for alg. An empty alg selects sha256.
func NewDigester(alg string) (digest.Digester, error) {
	a := digest.Algorithm(strings.ToLower(strings.TrimSpace(alg)))
	switch a {
	case "":
		return digest.Canonical.Digester(), nil
	case digest.SHA256, digest.SHA384, digest.SHA512:
		if !a.Available() {
			return nil, errors.ErrHashModeUnsupported.WithDetail("algorithm", alg)
		}
		return a.Digester(), nil
	case BLAKE3:
		return &blake3Digester{h: blake3.New()}, nil
	}
	return nil, errors.ErrHashModeUnsupported.WithDetail("algorithm", alg).WithMessage("unknown digest algorithm")
}

type blake3Digester struct {
	h *blake3.Hasher
}

func (d *blake3Digester) Hash() hash.Hash {
	return d.h
}

func (d *blake3Digester) Digest() digest.Digest {
	return digest.NewDigestFromEncoded(BLAKE3, hex.EncodeToString(d.h.Sum(nil)))
}
