package gate

import (
	"context"
	"sync"

	"github.com/stonegate/slgcore/pkg/discovery"
)

// Target is one of the five routing destinations a rule can name (spec.md
// §4.8).
type Target int

const (
	TargetLogin Target = iota
	TargetGame
	TargetWorld
	TargetAlliance
	TargetLocal
)

// ResultCode mirrors the HTTP-shaped codes spec.md §4.8 names for each
// route() outcome.
type ResultCode int

const (
	CodeSuccess      ResultCode = 200
	CodeAuthRequired ResultCode = 401
	CodeMigrating    ResultCode = 503
	CodeNoTarget     ResultCode = 502
)

// Rule maps a range of protocol ids to a routing Target.
type Rule struct {
	ProtoIDLow  int
	ProtoIDHigh int
	Target      Target
	RequireAuth bool
	Description string
}

func (r Rule) matches(protoID int) bool {
	return protoID >= r.ProtoIDLow && protoID <= r.ProtoIDHigh
}

// Result is route()'s outcome.
type Result struct {
	Code    ResultCode
	Target  Target
	Address string
	Message string
}

// Router resolves a (session, protoId) pair to a backend address (spec.md
// §4.8 "Routing table"), caching the matched rule per protoId since the
// rule list itself changes rarely relative to routing volume.
type Router struct {
	rules []Rule

	discovery *discovery.Registry

	mu        sync.RWMutex
	ruleCache map[int]Rule
}

// NewRouter builds a Router from an ordered rule list (first match wins)
// and an optional discovery registry used to resolve LOGIN/global WORLD
// addresses not carried on the session itself.
func NewRouter(rules []Rule, discoveryRegistry *discovery.Registry) *Router {
	return &Router{rules: rules, discovery: discoveryRegistry, ruleCache: map[int]Rule{}}
}

func (r *Router) ruleFor(protoID int) Rule {
	r.mu.RLock()
	if rule, ok := r.ruleCache[protoID]; ok {
		r.mu.RUnlock()
		return rule
	}
	r.mu.RUnlock()

	for _, rule := range r.rules {
		if rule.matches(protoID) {
			r.mu.Lock()
			r.ruleCache[protoID] = rule
			r.mu.Unlock()

			return rule
		}
	}

	// default: route unmatched ids to GAME (spec.md §4.8 "default: GAME if missing")
	def := Rule{ProtoIDLow: protoID, ProtoIDHigh: protoID, Target: TargetGame, Description: "default"}

	r.mu.Lock()
	r.ruleCache[protoID] = def
	r.mu.Unlock()

	return def
}

// Route resolves protoId against session per spec.md §4.8's 5-step
// algorithm.
func (r *Router) Route(ctx context.Context, session *Session, protoID int) Result {
	rule := r.ruleFor(protoID)

	if rule.RequireAuth && session.PlayerID() <= 0 {
		return Result{Code: CodeAuthRequired, Message: "authentication required"}
	}

	if session.IsMigrating() && rule.Target != TargetLocal {
		return Result{Code: CodeMigrating, Message: "session is migrating"}
	}

	addr, ok := r.resolveAddress(ctx, session, rule.Target)
	if !ok {
		return Result{Code: CodeNoTarget, Message: "no address available for target"}
	}

	return Result{Code: CodeSuccess, Target: rule.Target, Address: addr, Message: "ok"}
}

func (r *Router) resolveAddress(ctx context.Context, session *Session, target Target) (string, bool) {
	switch target {
	case TargetGame:
		if addr := session.GameAddr(); addr != "" {
			return addr, true
		}

		return "", false
	case TargetWorld:
		if addr := session.WorldAddr(); addr != "" {
			return addr, true
		}

		return "", false
	case TargetLocal:
		return "local", true
	case TargetLogin, TargetAlliance:
		return r.discoverGlobal(ctx, target)
	default:
		return "", false
	}
}

func (r *Router) discoverGlobal(ctx context.Context, target Target) (string, bool) {
	if r.discovery == nil {
		return "", false
	}

	iface := "LoginService"
	if target == TargetAlliance {
		iface = "AllianceService"
	}

	instances, err := r.discovery.Discover(ctx, iface, 0)
	if err != nil || len(instances) == 0 {
		return "", false
	}

	return instances[0].Address, true
}
