package ckvd

// entryCacheMemoryFactor inflates a decoded entry's byte length for the
// purpose of cache accounting, approximating the overhead of the decoded
// in-memory representation (key fragments, Go strings/slices) over the
// raw wire bytes (§4.4).
const entryCacheMemoryFactor = 3

// DecodedEntry is a decoded transaction together with its ledger position
// (§4.4, §4.5.3). Complete is false for a header-only decode (no payload
// fetched yet); ErrorCorrectionOffset records how many bytes the scan that
// produced it had to skip before finding the transaction signature (§8
// scenario 6).
type DecodedEntry struct {
	Offset                int64
	Length                int
	Complete              bool
	Transaction           Transaction
	ErrorCorrectionOffset int
}

// entryCache is a bounded map from ledger offset to [DecodedEntry],
// evicted by approximate byte cost (§4.4). It upgrades header-only
// entries to complete ones in place, and evicts in last-inserted-first
// order -- a LIFO stack, not LRU -- to match the reference behavior's
// test-visible semantics (§9 "Cache eviction order").
type entryCache struct {
	budgetBytes int64
	usedBytes   int64

	entries map[int64]DecodedEntry
	// order is a stack of offsets in insertion order; the most recently
	// inserted offset is at the end and is the first evicted (§4.4, §9).
	order []int64
}

func newEntryCache(budgetBytes int64) *entryCache {
	return &entryCache{
		budgetBytes: budgetBytes,
		entries:     make(map[int64]DecodedEntry),
	}
}

// put inserts or upgrades the entry at entry.Offset, then evicts from the
// top of the stack until total cost is within budget.
func (c *entryCache) put(entry DecodedEntry) {
	cost := entryCost(entry)

	if existing, ok := c.entries[entry.Offset]; ok {
		c.usedBytes -= entryCost(existing)
		c.entries[entry.Offset] = entry
		c.usedBytes += cost

		if entry.Complete && !existing.Complete {
			// Upgrading an existing entry does not change its position
			// in the eviction stack; only fresh inserts do.
			c.evictIfOverBudget()
		}

		return
	}

	c.entries[entry.Offset] = entry
	c.order = append(c.order, entry.Offset)
	c.usedBytes += cost

	c.evictIfOverBudget()
}

func entryCost(e DecodedEntry) int64 {
	return int64(e.Length) * entryCacheMemoryFactor
}

func (c *entryCache) evictIfOverBudget() {
	for c.usedBytes > c.budgetBytes && len(c.order) > 0 {
		top := c.order[len(c.order)-1]
		c.order = c.order[:len(c.order)-1]

		if e, ok := c.entries[top]; ok {
			c.usedBytes -= entryCost(e)
			delete(c.entries, top)
		}
	}
}

// get returns the entry at offset, if present. Callers must additionally
// check Complete when they need the payload.
func (c *entryCache) get(offset int64) (DecodedEntry, bool) {
	e, ok := c.entries[offset]

	return e, ok
}

// clear drops every entry (§4.4 `clear`, also used by vacuum, §4.5.5).
func (c *entryCache) clear() {
	c.entries = make(map[int64]DecodedEntry)
	c.order = nil
	c.usedBytes = 0
}
