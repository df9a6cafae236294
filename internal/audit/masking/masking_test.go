package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "INS-****7890", MaskSecret("INS-1234567890"))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "", MaskSecret("  "))
}

func TestMaskSensitiveKeepsOtherKeys(t *testing.T) {
	out := MaskSensitive(map[string]any{
		"insured_person_id": "INS-1234567890",
		"card_number":       "CARD-0001",
		"from":              "SUBMITTED",
	})
	assert.Equal(t, "INS-****7890", out["insured_person_id"])
	assert.Equal(t, "CARD-0001", out["card_number"])
	assert.Equal(t, "SUBMITTED", out["from"])
}
