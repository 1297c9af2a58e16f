// Package dns keeps a reverse DNS cache of the addresses seen on the wire and
// exports it to the collector.
package dns

import (
	"context"
	"encoding/json"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"firestige.xyz/whisperer/internal/log"
	"firestige.xyz/whisperer/internal/metrics"
)

// Role is the sticky role tag of an address.
type Role string

const (
	RoleServer Role = "SERVER"
	RoleClient Role = "CLIENT"
)

// Resolver performs reverse lookups. *net.Resolver satisfies it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Entry is one cached address.
type Entry struct {
	Hostname   string // empty until a lookup succeeds
	IP         string
	LastUpdate time.Time // last lookup attempt or successful resolution
	LastSeen   time.Time // last reference
	Type       Role      // empty until tagged
}

// Name returns the hostname, or the IP when none was resolved.
func (e Entry) Name() string {
	if e.Hostname != "" {
		return e.Hostname
	}
	return e.IP
}

type entryJSON struct {
	Hostname   *string   `json:"hostname"`
	IP         string    `json:"ip"`
	LastUpdate time.Time `json:"lastUpdate"`
	LastSeen   time.Time `json:"lastSeen"`
	Type       *Role     `json:"type"`
}

// MarshalJSON renders unset hostname and type as null.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := entryJSON{IP: e.IP, LastUpdate: e.LastUpdate, LastSeen: e.LastSeen}
	if e.Hostname != "" {
		out.Hostname = &e.Hostname
	}
	if e.Type != "" {
		out.Type = &e.Type
	}
	return json.Marshal(out)
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	TTL           time.Duration
	PurgeInterval time.Duration // go-cache janitor interval, 0 disables it
	LookupTimeout time.Duration
	Resolver      Resolver         // defaults to net.DefaultResolver
	Now           func() time.Time // defaults to time.Now
}

// Cache memoizes reverse lookups. An entry is re-resolved once its last
// lookup is older than the TTL and is purged once it has not been referenced
// for the TTL. Every reference resets the go-cache expiration so the janitor
// drops inactive entries on its own.
type Cache struct {
	ttl           time.Duration
	lookupTimeout time.Duration
	resolver      Resolver
	now           func() time.Time

	mu    sync.Mutex
	items *gocache.Cache
}

func NewCache(cfg CacheConfig) *Cache {
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	items := gocache.New(cfg.TTL, cfg.PurgeInterval)
	items.OnEvicted(func(ip string, _ interface{}) {
		log.GetLogger().WithField("ip", ip).Trace("dns entry evicted")
		metrics.DNSCacheEntries.Set(float64(items.ItemCount()))
	})
	return &Cache{
		ttl:           cfg.TTL,
		lookupTimeout: cfg.LookupTimeout,
		resolver:      cfg.Resolver,
		now:           cfg.Now,
		items:         items,
	}
}

func (c *Cache) getLocked(ip string) *Entry {
	v, ok := c.items.Get(ip)
	if !ok {
		return nil
	}
	return v.(*Entry)
}

func (c *Cache) fresh(e *Entry, now time.Time) bool {
	return e.LastUpdate.After(now.Add(-c.ttl))
}

// Observe records a reference to ip. A fresh entry only has its last-seen
// time bumped; an absent or stale one is (re)created and Observe reports
// that a lookup is due.
func (c *Cache) Observe(ip string) (name string, needsLookup bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.getLocked(ip); e != nil && c.fresh(e, now) {
		e.LastSeen = now
		c.items.SetDefault(ip, e)
		return e.Name(), false
	}

	c.items.SetDefault(ip, &Entry{IP: ip, LastUpdate: now, LastSeen: now})
	metrics.DNSCacheEntries.Set(float64(c.items.ItemCount()))
	return ip, true
}

// Resolve looks ip up and stores the first returned name. Failures are
// logged and leave the hostname unset.
func (c *Cache) Resolve(ctx context.Context, ip string) string {
	if c.lookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.lookupTimeout)
		defer cancel()
	}

	names, err := c.resolver.LookupAddr(ctx, ip)

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.getLocked(ip)
	if err != nil || len(names) == 0 {
		metrics.DNSLookupsTotal.WithLabelValues("failed").Inc()
		l := log.GetLogger().WithField("ip", ip)
		if err != nil {
			l = l.WithError(err)
		}
		l.Debug("could not get hostname")
		if e == nil {
			return ip
		}
		return e.Name()
	}

	metrics.DNSLookupsTotal.WithLabelValues("resolved").Inc()
	hostname := strings.TrimSuffix(names[0], ".")
	log.GetLogger().WithFields(map[string]interface{}{"ip": ip, "hostname": hostname}).Debug("hostname resolved")
	if e == nil {
		// Purged while the lookup was in flight.
		return hostname
	}
	e.Hostname = hostname
	e.LastUpdate = c.now()
	return hostname
}

// Reverse returns the hostname for ip, resolving it when absent or stale.
func (c *Cache) Reverse(ctx context.Context, ip string) string {
	name, needsLookup := c.Observe(ip)
	if !needsLookup {
		return name
	}
	return c.Resolve(ctx, ip)
}

// SetIPAsServer tags ip as SERVER. It is a no-op for unknown addresses.
func (c *Cache) SetIPAsServer(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.getLocked(ip); e != nil && e.Type != RoleServer {
		e.Type = RoleServer
	}
}

// SetIPAsClient tags ip as CLIENT unless it already has a role.
func (c *Cache) SetIPAsClient(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.getLocked(ip); e != nil && e.Type == "" {
		e.Type = RoleClient
	}
}

// Get returns a copy of the entry for ip.
func (c *Cache) Get(ip string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.getLocked(ip); e != nil {
		return *e, true
	}
	return Entry{}, false
}

// ItemsUpdatedSince returns copies of the entries looked up after t.
func (c *Cache) ItemsUpdatedSince(t time.Time) []Entry {
	return c.snapshot(func(e *Entry) bool { return e.LastUpdate.After(t) })
}

// Items returns copies of every entry.
func (c *Cache) Items() []Entry {
	return c.snapshot(func(*Entry) bool { return true })
}

func (c *Cache) snapshot(keep func(*Entry) bool) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, c.items.ItemCount())
	for _, item := range c.items.Items() {
		e := item.Object.(*Entry)
		if keep(e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Purge removes entries not seen within the TTL and returns how many went.
func (c *Cache) Purge() int {
	limit := c.now().Add(-c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for ip, item := range c.items.Items() {
		if item.Object.(*Entry).LastSeen.Before(limit) {
			c.items.Delete(ip)
			removed++
		}
	}
	if removed > 0 {
		log.GetLogger().WithFields(map[string]interface{}{
			"removed": removed,
			"ttl":     c.ttl.String(),
		}).Debug("purged dns entries not seen within ttl")
	}
	metrics.DNSCacheEntries.Set(float64(c.items.ItemCount()))
	return removed
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}
