// Package pagination tracks history loading for the active conversation.
package pagination

import "convsync/internal/domain"

// Controller is the Idle → Loading → Idle|FullyLoaded state machine for
// one conversation. It is owned by the actor loop.
type Controller struct {
	state    domain.ConversationState
	seq      uint64
	inFlight int
}

// New returns a controller for conversationID with nothing loaded.
func New(conversationID string) *Controller {
	return &Controller{state: domain.ConversationState{ConversationID: conversationID}}
}

// Reset rebinds the controller to another conversation. Outstanding
// requests become stale.
func (c *Controller) Reset(conversationID string) {
	c.state = domain.ConversationState{ConversationID: conversationID}
	c.seq++
	c.inFlight = 0
}

// Begin starts loading the next page. It returns ok=false when everything
// is loaded or a request is already in flight.
func (c *Controller) Begin() (page int, seq uint64, ok bool) {
	if c.state.FullyLoaded || c.state.Loading {
		return 0, 0, false
	}
	c.seq++
	c.state.Loading = true
	c.inFlight = c.state.LastLoadedPage + 1
	return c.inFlight, c.seq, true
}

// Complete applies a page response. A response without a page number is
// credited to the page last requested. It is accepted even after Timeout.
func (c *Controller) Complete(info domain.PageInfo) domain.ConversationState {
	current := info.CurrentPage
	if current <= 0 {
		current = c.inFlight
	}
	if current > c.state.LastLoadedPage {
		c.state.LastLoadedPage = current
	}
	total := info.TotalPages
	if total < 0 {
		total = 0
	}
	c.state.TotalPages = &total
	c.state.FullyLoaded = c.state.LastLoadedPage >= total
	c.state.Loading = false
	c.inFlight = 0
	return c.State()
}

// Timeout ends the request identified by seq as if an empty last page had
// arrived. It reports false when that request already completed.
func (c *Controller) Timeout(seq uint64) bool {
	if !c.state.Loading || seq != c.seq {
		return false
	}
	c.state.Loading = false
	c.state.FullyLoaded = true
	return true
}

// State returns a copy of the current state.
func (c *Controller) State() domain.ConversationState {
	s := c.state
	if s.TotalPages != nil {
		total := *s.TotalPages
		s.TotalPages = &total
	}
	return s
}
