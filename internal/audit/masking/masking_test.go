package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskMetadataRedactsSensitiveKeys(t *testing.T) {
	out := MaskMetadata(map[string]any{
		"signature":      "abcdef123456",
		"customer_email": "jane@example.com",
		"event_type":     "PAYMENT_CONFIRMED",
		"nested":         map[string]any{"secret": "xy"},
		"":               "dropped",
	})

	assert.Equal(t, "****3456", out["signature"])
	assert.Equal(t, "j****@example.com", out["customer_email"])
	assert.Equal(t, "PAYMENT_CONFIRMED", out["event_type"])
	assert.Equal(t, map[string]any{"secret": "****"}, out["nested"])
	assert.NotContains(t, out, "")
}

func TestMaskMetadataEmpty(t *testing.T) {
	assert.Nil(t, MaskMetadata(nil))
	assert.Equal(t, "", MaskSecret("  "))
}
