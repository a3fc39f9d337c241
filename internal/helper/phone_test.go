package helper

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRecipient(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "international with separators", in: "+20 106-628-4516", want: "201066284516@s.whatsapp.net"},
		{name: "already canonical", in: "201066284516@s.whatsapp.net", want: "201066284516@s.whatsapp.net"},
		{name: "group jid passes through", in: "120363041234567890@g.us", want: "120363041234567890@g.us"},
		{name: "bare digits", in: "4915112345678", want: "4915112345678@s.whatsapp.net"},
		{name: "parentheses and spaces", in: "(49) 151 1234-5678", want: "4915112345678@s.whatsapp.net"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeRecipient(tt.in))
		})
	}
}

func TestExtractPhoneFromJID(t *testing.T) {
	assert.Equal(t, "201066284516", ExtractPhoneFromJID("201066284516:43@s.whatsapp.net"))
	assert.Equal(t, "201066284516", ExtractPhoneFromJID("201066284516@s.whatsapp.net"))
	assert.Equal(t, "201066284516", ExtractPhoneFromJID("201066284516"))
}
