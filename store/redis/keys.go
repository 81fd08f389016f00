package redis

// keyspace prefixes every key the store touches.
type keyspace string

const defaultPrefix keyspace = "haul:"

// ── Timer keys ──

// timers is the Sorted Set of timer keys scored by due time in ms.
func (k keyspace) timers() string { return string(k) + "timers" }

// timer returns the Hash holding one entry: haul:timer:{entryKey}
func (k keyspace) timer(entryKey string) string { return string(k) + "timer:" + entryKey }

// ── Lease keys ──

func (k keyspace) lease(key string) string { return string(k) + "lease:" + key }

// ── Presence keys ──

func (k keyspace) intent(actor string) string { return string(k) + "presence:intent:" + actor }

func (k keyspace) conn(actor string) string { return string(k) + "presence:conn:" + actor }

func (k keyspace) caps(actor string) string { return string(k) + "presence:caps:" + actor }

func (k keyspace) toggles(actor string) string { return string(k) + "presence:toggles:" + actor }

func (k keyspace) online(capability string) string { return string(k) + "online:" + capability }

func (k keyspace) geo(capability string) string { return string(k) + "geo:" + capability }

// ── Request-scoped keys ──

func (k keyspace) notified(requestID string) string { return string(k) + "notified:" + requestID }

func (k keyspace) marker(customerID string) string { return string(k) + "marker:" + customerID }

func (k keyspace) idem(key string) string { return string(k) + "idem:" + key }
