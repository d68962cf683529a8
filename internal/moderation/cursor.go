package moderation

import "sync"

// reviewCursor tracks, per moderator chat, the pending submissions skipped
// during the current review pass. Skipping is a read-side concern: nothing
// durable changes, the item stays pending and resurfaces once the cursor
// wraps.
type reviewCursor struct {
	mu      sync.Mutex
	skipped map[int64]map[int64]struct{}
}

func newReviewCursor() *reviewCursor {
	return &reviewCursor{skipped: make(map[int64]map[int64]struct{})}
}

func (c *reviewCursor) skip(moderatorChatID, submissionID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.skipped[moderatorChatID]
	if !ok {
		set = make(map[int64]struct{})
		c.skipped[moderatorChatID] = set
	}
	set[submissionID] = struct{}{}
}

func (c *reviewCursor) skippedIDs(moderatorChatID int64) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.skipped[moderatorChatID]
	if len(set) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// reset wraps the cursor so previously skipped items resurface.
func (c *reviewCursor) reset(moderatorChatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.skipped, moderatorChatID)
}

// forget drops one id after a terminal decision removed it from the queue.
func (c *reviewCursor) forget(moderatorChatID, submissionID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.skipped[moderatorChatID]; ok {
		delete(set, submissionID)
	}
}
