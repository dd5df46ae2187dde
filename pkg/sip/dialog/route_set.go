package dialog

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// RouteSet хранит упорядоченный набор промежуточных адресов обмена
type RouteSet struct {
	routes []sip.Uri
}

// NewRouteSet создает route set, опционально с предзагруженными маршрутами
// (например из Service-Route после регистрации)
func NewRouteSet(preloaded ...sip.Uri) *RouteSet {
	rs := &RouteSet{routes: make([]sip.Uri, 0, len(preloaded))}
	rs.routes = append(rs.routes, preloaded...)
	return rs
}

// BuildFromRecordRoute строит route set из Record-Route заголовков ответа.
//
// RFC 3261 Section 12.1.2: UAC берет Record-Route в обратном порядке,
// UAS (12.1.1) использует порядок как есть.
func (rs *RouteSet) BuildFromRecordRoute(recordRoutes []string, isUAC bool) {
	rs.routes = make([]sip.Uri, 0, len(recordRoutes))
	uris := AddressURIs(recordRoutes)
	if isUAC {
		for i := len(uris) - 1; i >= 0; i-- {
			rs.routes = append(rs.routes, uris[i])
		}
		return
	}
	rs.routes = append(rs.routes, uris...)
}

// Routes возвращает копию маршрутов
func (rs *RouteSet) Routes() []sip.Uri {
	routes := make([]sip.Uri, len(rs.routes))
	copy(routes, rs.routes)
	return routes
}

// IsEmpty проверяет, пуст ли route set
func (rs *RouteSet) IsEmpty() bool {
	return len(rs.routes) == 0
}

// Size возвращает количество маршрутов
func (rs *RouteSet) Size() int {
	return len(rs.routes)
}

// Apply добавляет Route заголовки в запрос в порядке route set
func (rs *RouteSet) Apply(req *sip.Request) {
	for i := range rs.routes {
		req.AppendHeader(&sip.RouteHeader{Address: rs.routes[i]})
	}
}

// SplitHeaderValues разбивает значение заголовка со списком адресов по запятым,
// не разрезая угловые скобки и кавычки.
func SplitHeaderValues(value string) []string {
	var (
		out     []string
		depth   int
		quoted  bool
		current strings.Builder
	)
	for _, ch := range value {
		switch {
		case ch == '"':
			quoted = !quoted
		case ch == '<' && !quoted:
			depth++
		case ch == '>' && !quoted && depth > 0:
			depth--
		case ch == ',' && !quoted && depth == 0:
			if s := strings.TrimSpace(current.String()); s != "" {
				out = append(out, s)
			}
			current.Reset()
			continue
		}
		current.WriteRune(ch)
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		out = append(out, s)
	}
	return out
}
