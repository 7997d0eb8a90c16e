// Package lane serializes work per key. Each key (for chat turns,
// "tenant/session") has a FIFO lane that runs one task at a time; different
// keys run concurrently. Idle lanes are dropped so memory follows the
// number of busy keys, not the number of keys ever seen.
//
// Usage:
//
//	q := lane.New(lane.Options{Name: "turn"})
//	defer q.Close(context.Background())
//	out, err := q.Enqueue(ctx, "tenant-a/session-1", func(ctx context.Context) (interface{}, error) {
//		return runTurn(ctx)
//	})
package lane
