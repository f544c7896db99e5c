// Package dlq records items that exhausted their attempt budget.
//
// When an item's last allowed attempt fails with a retryable error, the
// executor fails the item with code RetryExhausted and calls
// [Service.Push]. The entry keeps the job and file identity, the final
// error and the attempt count for operators; items are never replayed
// from the DLQ because a failed item is terminal.
package dlq
