package redis

// Redis key naming conventions. Every key starts with the store prefix,
// "courier" by default.

// jobKey holds the job record: {prefix}:job:{id}
func (s *Store) jobKey(id string) string { return s.prefix + ":job:" + id }

// itemsKey is the Hash of a job's items keyed by file ID.
func (s *Store) itemsKey(id string) string { return s.prefix + ":job:" + id + ":items" }

// eventsKey is the List holding a job's event log.
func (s *Store) eventsKey(id string) string { return s.prefix + ":job:" + id + ":events" }

// jobsIndexKey is the Sorted Set of job IDs scored by creation time.
func (s *Store) jobsIndexKey() string { return s.prefix + ":jobs" }

// idemKey holds one idempotency record: {prefix}:idempotency:key:{key}
func (s *Store) idemKey(key string) string { return s.prefix + ":idempotency:key:" + key }

// idemExpiryKey is the Sorted Set of client keys scored by expiry.
func (s *Store) idemExpiryKey() string { return s.prefix + ":idempotency:expiry" }

// dlqKey holds one dead letter entry as a Hash: {prefix}:dlq:{id}
func (s *Store) dlqKey(id string) string { return s.prefix + ":dlq:" + id }

// dlqIndexKey is the Sorted Set of entry IDs scored by failure time.
func (s *Store) dlqIndexKey() string { return s.prefix + ":dlq_ids" }
