package dialog

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Contact разобранное значение Contact заголовка
type Contact struct {
	DisplayName string
	Address     sip.Uri
	Params      sip.HeaderParams
}

// Param возвращает параметр контакта без кавычек
func (c Contact) Param(name string) (string, bool) {
	v, ok := c.Params[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return strings.Trim(v, `"`), true
}

// ';' и '=' внутри кавычек подменяются на время разбора адреса
var (
	maskQuotedChars   = strings.NewReplacer(";", "\x1f", "=", "\x1e")
	unmaskQuotedChars = strings.NewReplacer("\x1f", ";", "\x1e", "=")
)

// ParseContact разбирает одно значение Contact (или Record-Route, Service-Route)
// вида `"Name" <sip:user@host;uri-param>;param=value`.
func ParseContact(value string) (Contact, error) {
	var (
		c      Contact
		params = sip.NewParams()
	)
	name, err := sip.ParseAddressValue(maskQuoted(strings.TrimSpace(value)), &c.Address, params)
	if err != nil {
		return Contact{}, fmt.Errorf("failed to parse address %q: %w", value, err)
	}

	c.DisplayName = unmask(strings.Trim(name, `"`))
	c.Params = make(sip.HeaderParams, len(params))
	for k, v := range params {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		c.Params[k] = unmask(strings.TrimSpace(v))
	}
	return c, nil
}

// Contacts возвращает все Contact значения ответа, включая перечисленные через запятую
func Contacts(res *sip.Response) []Contact {
	var out []Contact
	for _, h := range res.GetHeaders("Contact") {
		for _, v := range SplitHeaderValues(h.Value()) {
			c, err := ParseContact(v)
			if err != nil {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

// HeaderValues возвращает все значения заголовка name, раскрывая списки через запятую
func HeaderValues(msg sip.Message, name string) []string {
	var out []string
	for _, h := range msg.GetHeaders(name) {
		out = append(out, SplitHeaderValues(h.Value())...)
	}
	return out
}

// AddressURIs разбирает список адресов (Record-Route, Service-Route, Path)
// и возвращает их URI в исходном порядке
func AddressURIs(values []string) []sip.Uri {
	uris := make([]sip.Uri, 0, len(values))
	for _, v := range values {
		c, err := ParseContact(v)
		if err != nil {
			continue
		}
		uris = append(uris, c.Address)
	}
	return uris
}

// maskQuoted прячет разделители внутри quoted-string: gruu параметры несут
// URI с собственными параметрами, а разбор адреса режет значения по ';' и '='
func maskQuoted(s string) string {
	parts := strings.Split(s, `"`)
	for i := 1; i < len(parts); i += 2 {
		parts[i] = maskQuotedChars.Replace(parts[i])
	}
	return strings.Join(parts, `"`)
}

func unmask(s string) string {
	return unmaskQuotedChars.Replace(s)
}
