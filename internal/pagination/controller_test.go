package pagination

import (
	"testing"

	"convsync/internal/domain"
)

func TestController_BeginGuardsInFlight(t *testing.T) {
	c := New("dm_12")

	page, _, ok := c.Begin()
	if !ok || page != 1 {
		t.Fatalf("first Begin: page=%d ok=%v", page, ok)
	}
	if _, _, ok := c.Begin(); ok {
		t.Error("Begin while loading must be a no-op")
	}
	if !c.State().Loading {
		t.Error("state should report loading")
	}
}

func TestController_FullyLoadedExactlyAtLastPage(t *testing.T) {
	c := New("dm_12")

	c.Begin()
	st := c.Complete(domain.PageInfo{CurrentPage: 1, TotalPages: 2})
	if st.FullyLoaded || st.LastLoadedPage != 1 || *st.TotalPages != 2 {
		t.Fatalf("after page 1: %+v", st)
	}

	page, _, ok := c.Begin()
	if !ok || page != 2 {
		t.Fatalf("second Begin: page=%d ok=%v", page, ok)
	}
	st = c.Complete(domain.PageInfo{CurrentPage: 2, TotalPages: 2})
	if !st.FullyLoaded {
		t.Fatalf("after page 2: %+v", st)
	}

	if _, _, ok := c.Begin(); ok {
		t.Error("Begin when fully loaded must be a no-op")
	}
}

func TestController_EmptyConversation(t *testing.T) {
	c := New("dm_12")
	c.Begin()
	st := c.Complete(domain.PageInfo{CurrentPage: 1, TotalPages: 0})
	if !st.FullyLoaded {
		t.Errorf("zero total pages means nothing more to load: %+v", st)
	}
}

func TestController_MissingPageNumberUsesRequest(t *testing.T) {
	c := New("dm_12")
	c.Begin()
	st := c.Complete(domain.PageInfo{TotalPages: 3})
	if st.LastLoadedPage != 1 {
		t.Errorf("lastLoadedPage = %d", st.LastLoadedPage)
	}
}

func TestController_TimeoutDegradesToFullyLoaded(t *testing.T) {
	c := New("dm_12")
	_, seq, _ := c.Begin()

	if !c.Timeout(seq) {
		t.Fatal("timeout of the in-flight request should apply")
	}
	st := c.State()
	if st.Loading || !st.FullyLoaded {
		t.Errorf("after timeout: %+v", st)
	}
	if c.Timeout(seq) {
		t.Error("second timeout should be ignored")
	}
}

func TestController_StaleTimeoutIgnored(t *testing.T) {
	c := New("dm_12")
	_, seq, _ := c.Begin()
	c.Complete(domain.PageInfo{CurrentPage: 1, TotalPages: 5})

	if c.Timeout(seq) {
		t.Error("timeout after completion should be ignored")
	}
	if c.State().FullyLoaded {
		t.Error("state should be unaffected")
	}
}

func TestController_LateResponseAfterTimeout(t *testing.T) {
	c := New("dm_12")
	_, seq, _ := c.Begin()
	c.Timeout(seq)

	st := c.Complete(domain.PageInfo{CurrentPage: 1, TotalPages: 4})
	if st.FullyLoaded || st.LastLoadedPage != 1 {
		t.Errorf("late page should reopen loading: %+v", st)
	}
}

func TestController_ResetInvalidatesRequests(t *testing.T) {
	c := New("dm_12")
	_, seq, _ := c.Begin()
	c.Reset("grp_3")

	if c.Timeout(seq) {
		t.Error("timeout from the previous conversation should be ignored")
	}
	if st := c.State(); st.ConversationID != "grp_3" || st.Loading || st.LastLoadedPage != 0 {
		t.Errorf("after reset: %+v", st)
	}
}
