package gossip

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/radicle-link/linkd/internal/refs"
)

// perPeerLimiters is the recipient-keyed token bucket guarding the Want
// path: each distinct origin peer gets its own bucket, created lazily on
// first sight.
type perPeerLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

func newPerPeerLimiters(perSec float64, burst int) *perPeerLimiters {
	return &perPeerLimiters{
		limiters: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(perSec),
		burst:    burst,
	}
}

func (p *perPeerLimiters) allow(peer refs.PeerId) bool {
	key := peer.String()

	p.mu.Lock()
	lim, ok := p.limiters[key]
	if !ok {
		lim = rate.NewLimiter(p.perSec, p.burst)
		p.limiters[key] = lim
	}
	p.mu.Unlock()

	return lim.Allow()
}
