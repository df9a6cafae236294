package domain

import (
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

const dateLayout = "2006-01-02"

// PayloadHash is the keccak-256 digest of the request id and the card payload.
// It is stored with the request and anchored on-chain as the request hash, so
// a driver can find a transaction it may already have sent.
func PayloadHash(req *IssuanceRequest) string {
	fields := []string{
		req.RequestID,
		req.InsuredPersonID,
		req.CardNumber,
		req.PolicyNumber,
		req.DateOfBirth.UTC().Format(dateLayout),
		req.PolicyEffectiveDate.UTC().Format(dateLayout),
		req.ValidUntil.UTC().Format(dateLayout),
		strconv.FormatBool(req.HasDependents),
		strconv.Itoa(req.DependentCount),
	}
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(strings.Join(fields, "\x1f")))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
