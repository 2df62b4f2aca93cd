package codec

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/bnema/rq/internal/domain"
)

// Fingerprint identifies a request by what it sends. Two requests with the
// same method, target, headers and body bytes share a fingerprint, whoever
// submits them and whenever.
func (c *Codec) Fingerprint(req domain.PendingRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	content, err := c.appendContent(nil, req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}
