package selection

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

// rankedShow is a show subscribed to an allocation, with its tier at the time the list was built.
type rankedShow struct {
	ShowId string
	Tier   float64
}

type showList struct {
	shows   []rankedShow
	expires time.Time
}

// showCache keeps the shows subscribed to each allocation ordered by tier, least served first. Lists are rebuilt
// once they expire; concurrent misses for the same allocation share one rebuild.
type showCache struct {
	store  store.Store
	clock  clock.Clock
	expiry time.Duration

	mu    sync.Mutex
	lists map[string]showList
	group singleflight.Group

	// Shows that found nothing for a host shape, or ran out of subscription in an allocation.
	skipped *cache.Cache

	hits   int
	misses int
}

func newShowCache(s store.Store, clock clock.Clock, expiry time.Duration) *showCache {
	return &showCache{
		store:   s,
		clock:   clock,
		expiry:  expiry,
		lists:   map[string]showList{},
		skipped: cache.New(expiry, 2*expiry),
	}
}

// Shows returns the ranked shows of an allocation.
func (c *showCache) Shows(ctx *spindlecontext.Context, allocId string) ([]rankedShow, error) {
	now := c.clock.Now()
	c.mu.Lock()
	list, ok := c.lists[allocId]
	if ok && now.Before(list.expires) {
		c.hits++
		c.mu.Unlock()
		return list.shows, nil
	}
	c.misses++
	c.mu.Unlock()

	shows, err, _ := c.group.Do(allocId, func() (interface{}, error) {
		shows, err := c.load(ctx, allocId)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.lists[allocId] = showList{shows: shows, expires: c.clock.Now().Add(c.expiry)}
		c.mu.Unlock()
		return shows, nil
	})
	if err != nil {
		return nil, err
	}
	return shows.([]rankedShow), nil
}

func (c *showCache) load(ctx *spindlecontext.Context, allocId string) ([]rankedShow, error) {
	var shows []rankedShow
	err := c.store.ReadTx(ctx, func(tx store.ReadTx) error {
		subs, err := tx.Subscriptions(allocId)
		if err != nil {
			return err
		}
		shows = make([]rankedShow, 0, len(subs))
		for _, sub := range subs {
			if sub.Burst <= 0 {
				continue
			}
			shows = append(shows, rankedShow{ShowId: sub.ShowId, Tier: sub.Tier()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(shows, func(i, j int) bool {
		if shows[i].Tier != shows[j].Tier {
			return shows[i].Tier < shows[j].Tier
		}
		return shows[i].ShowId < shows[j].ShowId
	})
	ctx.Debugf("ranked %d shows for allocation %s", len(shows), allocId)
	return shows, nil
}

// Invalidate drops the list of an allocation so the next lookup rebuilds it.
func (c *showCache) Invalidate(allocId string) {
	c.mu.Lock()
	delete(c.lists, allocId)
	c.mu.Unlock()
}

// Stats returns the number of lookups served from and missed by the cache.
func (c *showCache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func shapeKey(showId string, host *model.Host) string {
	return fmt.Sprintf("shape/%s/%s/%d/%d", showId, host.TagString(), host.IdleCores, host.IdleMemory)
}

func allocKey(showId, allocId string) string {
	return fmt.Sprintf("alloc/%s/%s", showId, allocId)
}

// SkipShape marks the show as having nothing for hosts with the tags and idle capacity of host.
func (c *showCache) SkipShape(showId string, host *model.Host) {
	c.skipped.SetDefault(shapeKey(showId, host), true)
}

// SkipAlloc marks the show as out of subscription in an allocation.
func (c *showCache) SkipAlloc(showId, allocId string) {
	c.skipped.SetDefault(allocKey(showId, allocId), true)
}

func (c *showCache) Skipped(showId string, host *model.Host) bool {
	if _, ok := c.skipped.Get(allocKey(showId, host.AllocId)); ok {
		return true
	}
	_, ok := c.skipped.Get(shapeKey(showId, host))
	return ok
}
