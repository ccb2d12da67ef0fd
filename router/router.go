// Package router implements the URL Trie Router (§4.6): a path-segment
// trie with static/param/wildcard children, most-specific-wins
// matching, and a RegExp fallback pass for opaque patterns. It is used
// by the server acceptance pipeline (§4.11) to pick the route (and
// therefore the effective config, auth callback and middlewares) for
// an incoming WebSocket upgrade.
package router

import (
	"regexp"
	"strings"
	"sync"
)

// Entry is what gets attached to a registered route. Payload is
// opaque to the router — the server package stores its own route
// configuration there and type-asserts it back out on a match. This
// mirrors gorilla/mux's http.Handler-as-payload style without
// adopting its regexp-based matching engine (DESIGN.md).
type Entry struct {
	Pattern string
	Payload interface{}
}

type segmentKind int

const (
	segStatic segmentKind = iota
	segParam
	segWildcard
)

func classify(seg string) segmentKind {
	switch {
	case seg == "*":
		return segWildcard
	case strings.HasPrefix(seg, ":") && len(seg) > 1:
		return segParam
	default:
		return segStatic
	}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

type registeredRoute struct {
	order       int
	entry       *Entry
	staticCount int
	paramCount  int
	wildcard    bool
}

type node struct {
	static    map[string]*node
	param     *node
	paramName string
	wildcard  *node
	routes    []*registeredRoute
}

type regexRoute struct {
	order int
	re    *regexp.Regexp
	entry *Entry
}

// Router is a trie of registered path templates plus a linear list of
// RegExp fallback routes.
type Router struct {
	mu          sync.RWMutex
	root        *node
	regexRoutes []*regexRoute
	nextOrder   int
}

// New returns an empty Router.
func New() *Router {
	return &Router{root: &node{}}
}

// Route registers a path template such as "/a/b/:param/c/*". Segments
// are classified static, param (":name") or wildcard ("*", which must
// be the last segment and consumes the rest of the path).
func (r *Router) Route(pattern string, payload interface{}) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &Entry{Pattern: pattern, Payload: payload}
	segments := splitPath(pattern)

	cur := r.root
	staticCount, paramCount := 0, 0
	wildcard := false
	for _, seg := range segments {
		switch classify(seg) {
		case segStatic:
			staticCount++
			if cur.static == nil {
				cur.static = make(map[string]*node)
			}
			child, ok := cur.static[seg]
			if !ok {
				child = &node{}
				cur.static[seg] = child
			}
			cur = child
		case segParam:
			paramCount++
			if cur.param == nil {
				cur.param = &node{paramName: seg[1:]}
			}
			cur = cur.param
		case segWildcard:
			wildcard = true
			if cur.wildcard == nil {
				cur.wildcard = &node{}
			}
			cur = cur.wildcard
		}
		if wildcard {
			break // wildcard consumes the remainder; further segments are meaningless
		}
	}

	rr := &registeredRoute{order: r.nextOrder, entry: entry, staticCount: staticCount, paramCount: paramCount, wildcard: wildcard}
	r.nextOrder++
	cur.routes = append(cur.routes, rr)
	return entry
}

// RouteRegexp registers an opaque regular expression route. RegExp
// routes are tried only after the trie produces no match, in
// registration order, first match wins (§4.6).
func (r *Router) RouteRegexp(re *regexp.Regexp, payload interface{}) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := &Entry{Pattern: re.String(), Payload: payload}
	r.regexRoutes = append(r.regexRoutes, &regexRoute{order: r.nextOrder, re: re, entry: entry})
	r.nextOrder++
	return entry
}

type candidate struct {
	route       *registeredRoute
	params      map[string]string
	staticCount int
	paramCount  int
	wildcard    bool
}

// Match finds the best route for path, returning its Entry and the
// extracted path parameters (including "*" for the wildcard tail, if
// any route matched via wildcard).
func (r *Router) Match(path string) (*Entry, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	segments := splitPath(path)
	var candidates []candidate
	r.root.search(segments, 0, map[string]string{}, 0, 0, &candidates)

	if len(candidates) > 0 {
		best := candidates[0]
		for _, c := range candidates[1:] {
			if moreSpecific(c, best) {
				best = c
			}
		}
		return best.route.entry, best.params, true
	}

	for _, rr := range r.regexRoutes {
		if rr.re.MatchString(path) {
			return rr.entry, nil, true
		}
	}
	return nil, nil, false
}

// moreSpecific reports whether a should replace b as the current best
// match: more static segments wins, then more params, then
// non-wildcard beats wildcard; on a full tie the earlier-registered
// route wins, whichever of the two the trie walk produced first.
func moreSpecific(a, b candidate) bool {
	if a.staticCount != b.staticCount {
		return a.staticCount > b.staticCount
	}
	if a.paramCount != b.paramCount {
		return a.paramCount > b.paramCount
	}
	if a.wildcard != b.wildcard {
		return !a.wildcard // non-wildcard (false) beats wildcard (true)
	}
	return a.route.order < b.route.order
}

func (n *node) search(segments []string, idx int, params map[string]string, staticCount, paramCount int, results *[]candidate) {
	if n.wildcard != nil {
		for _, rr := range n.wildcard.routes {
			p := cloneParams(params)
			p["*"] = strings.Join(segments[idx:], "/")
			*results = append(*results, candidate{route: rr, params: p, staticCount: staticCount, paramCount: paramCount, wildcard: true})
		}
	}

	if idx == len(segments) {
		for _, rr := range n.routes {
			*results = append(*results, candidate{route: rr, params: cloneParams(params), staticCount: staticCount, paramCount: paramCount, wildcard: false})
		}
		return
	}

	seg := segments[idx]
	if n.static != nil {
		if child, ok := n.static[seg]; ok {
			child.search(segments, idx+1, params, staticCount+1, paramCount, results)
		}
	}
	if n.param != nil {
		p := cloneParams(params)
		p[n.param.paramName] = seg
		n.param.search(segments, idx+1, p, staticCount, paramCount+1, results)
	}
}

func cloneParams(p map[string]string) map[string]string {
	out := make(map[string]string, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}
