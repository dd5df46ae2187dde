package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatInternational(t *testing.T) {
	n := NewNormalizer("+33", "0")

	tests := []struct {
		in   string
		want string
	}{
		{"+33612345678", "+33612345678"},
		{"0033612345678", "+33612345678"},
		{"0612345678", "+33612345678"},
		{"06 12 34 56 78", "+33612345678"},
		{"612345678", "+33612345678"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, n.FormatInternational(tt.in), tt.in)
	}
}

func TestExtractNumber(t *testing.T) {
	n := NewNormalizer("33", "0")

	assert.Equal(t, "+33612345678", n.ExtractNumber("tel:+33612345678"))
	assert.Equal(t, "+33612345678", n.ExtractNumber("<sip:0612345678@ims.example.com;user=phone>"))
	assert.Equal(t, "+33612345678", n.ExtractNumber(`"Bob" <tel:0612345678;phone-context=x>`))
	assert.Equal(t, "0612345678", ExtractNumberRaw("sip:0612345678@ims.example.com"))
}

func TestFormatURI(t *testing.T) {
	n := NewNormalizer("+33", "0")
	assert.Equal(t, "tel:+33612345678", n.FormatURI("sip:0612345678@ims.example.com"))

	n.TelURI = false
	n.HomeDomain = "ims.example.com"
	assert.Equal(t, "sip:+33612345678@ims.example.com;user=phone", n.FormatURI("tel:0612345678"))
}

func TestEqual(t *testing.T) {
	n := NewNormalizer("+33", "0")
	assert.True(t, n.Equal("tel:+33612345678", "sip:0612345678@ims.example.com"))
	assert.False(t, n.Equal("tel:+33612345678", "tel:+33612345679"))
	assert.False(t, n.Equal("", ""))
}
