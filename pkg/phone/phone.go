// Package phone нормализует телефонные идентичности (tel:/sip: URI и номера)
// к международному формату.
package phone

import (
	"strings"
)

// Normalizer приводит номера к международному формату
type Normalizer struct {
	// CountryCode код страны с плюсом, например "+33"
	CountryCode string
	// AreaCode национальный префикс, например "0"
	AreaCode string
	// TelURI использовать tel: URI вместо sip:...;user=phone
	TelURI bool
	// HomeDomain домен для sip: URI
	HomeDomain string
}

// NewNormalizer создает нормализатор. Пустой countryCode заменяется на "+33".
func NewNormalizer(countryCode, areaCode string) *Normalizer {
	if countryCode == "" {
		countryCode = "+33"
	}
	if !strings.HasPrefix(countryCode, "+") {
		countryCode = "+" + countryCode
	}
	return &Normalizer{CountryCode: countryCode, AreaCode: areaCode, TelURI: true}
}

// FormatInternational приводит номер к виду +<код страны><номер>
func (n *Normalizer) FormatInternational(number string) string {
	number = stripSeparators(strings.TrimSpace(number))
	if number == "" {
		return ""
	}

	cc := strings.TrimPrefix(n.CountryCode, "+")
	switch {
	case strings.HasPrefix(number, "00"+cc):
		return n.CountryCode + number[2+len(cc):]
	case n.AreaCode != "" && strings.HasPrefix(number, n.AreaCode):
		return n.CountryCode + number[len(n.AreaCode):]
	case !strings.HasPrefix(number, "+"):
		return n.CountryCode + number
	}
	return number
}

// FormatURI форматирует номер или URI как tel: или sip: URI
func (n *Normalizer) FormatURI(number string) string {
	number = strings.TrimSpace(number)
	switch {
	case strings.HasPrefix(number, "tel:"):
		number = number[4:]
	case strings.HasPrefix(number, "sip:"):
		if at := strings.Index(number, "@"); at > 4 {
			number = number[4:at]
		} else {
			number = number[4:]
		}
	}

	if n.TelURI || n.HomeDomain == "" {
		return "tel:" + n.FormatInternational(number)
	}
	return "sip:" + n.FormatInternational(number) + "@" + n.HomeDomain + ";user=phone"
}

// ExtractNumber извлекает и нормализует номер из URI или значения заголовка
func (n *Normalizer) ExtractNumber(uri string) string {
	return n.FormatInternational(ExtractNumberRaw(uri))
}

// Equal сравнивает две идентичности после нормализации
func (n *Normalizer) Equal(a, b string) bool {
	na, nb := n.ExtractNumber(a), n.ExtractNumber(b)
	return na != "" && na == nb
}

// ExtractNumberRaw извлекает user-часть URI без форматирования
func ExtractNumberRaw(uri string) string {
	uri = ExtractURI(uri)

	if i := strings.Index(uri, "tel:"); i >= 0 {
		uri = uri[i+4:]
	}
	if i := strings.Index(uri, "sip:"); i >= 0 {
		rest := uri[i+4:]
		if at := strings.Index(rest, "@"); at >= 0 {
			rest = rest[:at]
		}
		uri = rest
	}
	if i := strings.Index(uri, ";"); i >= 0 {
		uri = uri[:i]
	}
	return strings.TrimSpace(uri)
}

// ExtractURI возвращает содержимое угловых скобок, если они есть
func ExtractURI(header string) string {
	start := strings.Index(header, "<")
	if start < 0 {
		return strings.TrimSpace(header)
	}
	end := strings.Index(header[start:], ">")
	if end < 0 {
		return strings.TrimSpace(header[start+1:])
	}
	return header[start+1 : start+end]
}

func stripSeparators(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '*', r == '#':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
