package auction_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jensholdgaard/draft-auction/internal/auction"
	"github.com/jensholdgaard/draft-auction/internal/clock"
)

func testSettings() auction.Settings {
	return auction.Settings{
		TimerDuration:   3,
		WaitingTTL:      time.Hour,
		TerminateGrace:  time.Hour,
		MaxTeamSize:     5,
		MinBidIncrement: 1,
		TickInterval:    20 * time.Millisecond,
	}
}

func team(id int, leader int64, points int, extraMembers ...int64) auction.Team {
	members := append([]int64{leader}, extraMembers...)
	return auction.Team{TeamID: id, LeaderID: leader, MemberIDs: members, Points: points}
}

type lifecycle struct {
	mu         sync.Mutex
	completed  int
	terminated int
	finalTeams []auction.Team
}

func (l *lifecycle) callbacks() auction.Callbacks {
	return auction.Callbacks{
		OnCompleted: func(_ string, _ int64, teams []auction.Team) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.completed++
			l.finalTeams = teams
		},
		OnTerminated: func(string) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.terminated++
		},
	}
}

func (l *lifecycle) counts() (completed, terminated int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed, l.terminated
}

func newTestAuction(teams []auction.Team, queue []int64, tokens map[string]int64,
	st auction.Settings, cb auction.Callbacks) *auction.Auction {
	return auction.New("test-auction", 1, teams, queue, tokens, st, clock.Real{}, discardLogger(), cb)
}

// hasFrame reports whether the sink has seen a frame of the given type.
func hasFrame(t *testing.T, s *fakeSink, mt auction.MessageType) bool {
	t.Helper()
	for _, typ := range s.types(t) {
		if typ == mt {
			return true
		}
	}
	return false
}

func countFrames(t *testing.T, s *fakeSink, mt auction.MessageType) int {
	t.Helper()
	n := 0
	for _, typ := range s.types(t) {
		if typ == mt {
			n++
		}
	}
	return n
}

func TestJoin_UnknownToken(t *testing.T) {
	a := newTestAuction(
		[]auction.Team{team(1, 100, 50)},
		nil,
		map[string]int64{"tok-l1": 100},
		testSettings(), auction.Callbacks{},
	)
	defer a.Terminate()

	_, err := a.Join("nope", newFakeSink("s1"))
	if !errors.Is(err, auction.ErrUnknownToken) {
		t.Fatalf("Join() error = %v, want %v", err, auction.ErrUnknownToken)
	}
}

func TestJoin_DuplicateToken(t *testing.T) {
	a := newTestAuction(
		[]auction.Team{team(1, 100, 50), team(2, 200, 50)},
		[]int64{1},
		map[string]int64{"tok-l1": 100, "tok-l2": 200, "tok-u1": 1},
		testSettings(), auction.Callbacks{},
	)
	defer a.Terminate()

	first := newFakeSink("first")
	if _, err := a.Join("tok-l1", first); err != nil {
		t.Fatalf("first Join() error = %v", err)
	}
	_, err := a.Join("tok-l1", newFakeSink("second"))
	if !errors.Is(err, auction.ErrAlreadyConnected) {
		t.Fatalf("second Join() error = %v, want %v", err, auction.ErrAlreadyConnected)
	}

	// The original session is untouched.
	if a.Hub().Len() != 1 {
		t.Errorf("Hub().Len() = %d, want 1", a.Hub().Len())
	}
	if !hasFrame(t, first, auction.MessageInit) {
		t.Error("original client lost its init frame")
	}
}

func TestStart_WaitsForAllLeaders(t *testing.T) {
	a := newTestAuction(
		[]auction.Team{team(1, 100, 50), team(2, 200, 50)},
		[]int64{1},
		map[string]int64{"tok-l1": 100, "tok-l2": 200, "tok-u1": 1},
		testSettings(), auction.Callbacks{},
	)
	defer a.Terminate()

	l1 := newFakeSink("l1")
	id, err := a.Join("tok-l1", l1)
	if err != nil {
		t.Fatal(err)
	}
	if !id.IsLeader || id.Role != auction.RoleLeader || id.TeamID == nil || *id.TeamID != 1 {
		t.Fatalf("leader identity = %+v", id)
	}
	if got := a.Snapshot().Status; got != auction.StatusWaiting {
		t.Fatalf("status = %q with one leader connected, want waiting", got)
	}

	l2 := newFakeSink("l2")
	if _, err := a.Join("tok-l2", l2); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "in_progress status", func() bool {
		return a.Snapshot().Status == auction.StatusInProgress
	})
	waitFor(t, "first user on the block", func() bool {
		return hasFrame(t, l1, auction.MessageNextUser) && hasFrame(t, l1, auction.MessageTimer)
	})
	if !hasFrame(t, l2, auction.MessageQueueUpdate) {
		t.Error("second leader missed the queue_update frame")
	}
}

func TestObserverIdentity(t *testing.T) {
	a := newTestAuction(
		[]auction.Team{team(1, 100, 50)},
		[]int64{1},
		map[string]int64{"tok-l1": 100, "tok-u1": 1},
		testSettings(), auction.Callbacks{},
	)
	defer a.Terminate()

	id, err := a.Join("tok-u1", newFakeSink("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if id.IsLeader || id.Role != auction.RoleObserver || id.TeamID != nil {
		t.Fatalf("observer identity = %+v", id)
	}
}

func TestSimpleSale(t *testing.T) {
	var lc lifecycle
	a := newTestAuction(
		[]auction.Team{team(1, 100, 100), team(2, 200, 100)},
		[]int64{1},
		map[string]int64{"tok-l1": 100, "tok-l2": 200, "tok-u1": 1},
		testSettings(), lc.callbacks(),
	)
	defer a.Terminate()

	l1, l2 := newFakeSink("l1"), newFakeSink("l2")
	if _, err := a.Join("tok-l1", l1); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Join("tok-l2", l2); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "next_user", func() bool { return hasFrame(t, l1, auction.MessageNextUser) })
	if err := a.PlaceBid("tok-l1", 10); err != nil {
		t.Fatalf("PlaceBid() error = %v", err)
	}

	waitFor(t, "completed status", func() bool {
		return a.Snapshot().Status == auction.StatusCompleted
	})

	snap := a.Snapshot()
	if len(snap.Teams) != 2 {
		t.Fatalf("teams = %d, want 2", len(snap.Teams))
	}
	t1 := snap.Teams[0]
	if t1.Points != 90 {
		t.Errorf("team 1 points = %d, want 90", t1.Points)
	}
	if len(t1.MemberIDs) != 2 || t1.MemberIDs[0] != 100 || t1.MemberIDs[1] != 1 {
		t.Errorf("team 1 members = %v, want [100 1]", t1.MemberIDs)
	}
	if snap.Teams[1].Points != 100 {
		t.Errorf("team 2 points = %d, want 100", snap.Teams[1].Points)
	}

	// Both clients saw the sale and the terminal status, in that order.
	for _, s := range []*fakeSink{l1, l2} {
		types := s.types(t)
		soldAt, doneAt := -1, -1
		for i, typ := range types {
			if typ == auction.MessageUserSold && soldAt < 0 {
				soldAt = i
			}
			if typ == auction.MessageBidPlaced && soldAt >= 0 {
				t.Errorf("sink %s saw bid_placed after user_sold", s.id)
			}
			if typ == auction.MessageStatus {
				doneAt = i
			}
		}
		if soldAt < 0 || doneAt < soldAt {
			t.Errorf("sink %s frames = %v, want user_sold then completed status", s.id, types)
		}
	}

	waitFor(t, "completion callback", func() bool {
		completed, _ := lc.counts()
		return completed == 1
	})
}

func TestOutbidAndUnsoldRecycling(t *testing.T) {
	a := newTestAuction(
		[]auction.Team{team(1, 100, 100), team(2, 200, 100)},
		[]int64{1, 2},
		map[string]int64{"tok-l1": 100, "tok-l2": 200, "tok-u1": 1, "tok-u2": 2},
		testSettings(), auction.Callbacks{},
	)
	defer a.Terminate()

	l1, l2 := newFakeSink("l1"), newFakeSink("l2")
	if _, err := a.Join("tok-l1", l1); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Join("tok-l2", l2); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "first user", func() bool { return hasFrame(t, l1, auction.MessageNextUser) })

	if err := a.PlaceBid("tok-l1", 5); err != nil {
		t.Fatalf("first bid error = %v", err)
	}
	if err := a.PlaceBid("tok-l2", 6); err != nil {
		t.Fatalf("outbid error = %v", err)
	}

	waitFor(t, "sale to the outbidder", func() bool { return hasFrame(t, l1, auction.MessageUserSold) })

	snap := a.Snapshot()
	var t1, t2 auction.Team
	for _, tm := range snap.Teams {
		switch tm.TeamID {
		case 1:
			t1 = tm
		case 2:
			t2 = tm
		}
	}
	if t2.Points != 94 || len(t2.MemberIDs) != 2 {
		t.Errorf("team 2 = %+v, want points 94 and 2 members", t2)
	}
	if t1.Points != 100 || len(t1.MemberIDs) != 1 {
		t.Errorf("team 1 = %+v, want untouched", t1)
	}

	// The second user draws no bids, goes unsold, and is recycled from the
	// unsold queue back onto the block.
	waitFor(t, "user_unsold", func() bool { return hasFrame(t, l1, auction.MessageUserUnsold) })
	waitFor(t, "recycled next_user", func() bool {
		return countFrames(t, l1, auction.MessageNextUser) >= 3
	})

	// Sum invariant: every non-leader user is on the block, queued, or on a
	// roster.
	snap = a.Snapshot()
	total := len(snap.AuctionQueue) + len(snap.UnsoldQueue)
	if snap.CurrentUserID != nil {
		total++
	}
	for _, tm := range snap.Teams {
		total += len(tm.MemberIDs) - 1
	}
	if total != 2 {
		t.Errorf("user conservation broken: accounted for %d users, want 2", total)
	}
}

func TestPlaceBid_Validation(t *testing.T) {
	setup := func(t *testing.T) *auction.Auction {
		t.Helper()
		a := newTestAuction(
			[]auction.Team{team(1, 100, 10), team(2, 200, 10)},
			[]int64{1, 2},
			map[string]int64{"tok-l1": 100, "tok-l2": 200, "tok-u1": 1, "tok-u2": 2},
			auction.Settings{
				TimerDuration:   3,
				WaitingTTL:      time.Hour,
				TerminateGrace:  time.Hour,
				MaxTeamSize:     5,
				MinBidIncrement: 1,
				TickInterval:    time.Hour,
			}, auction.Callbacks{},
		)
		t.Cleanup(a.Terminate)

		l1 := newFakeSink("l1")
		if _, err := a.Join("tok-l1", l1); err != nil {
			t.Fatal(err)
		}
		if _, err := a.Join("tok-l2", newFakeSink("l2")); err != nil {
			t.Fatal(err)
		}
		if _, err := a.Join("tok-u1", newFakeSink("u1")); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "auction start", func() bool { return hasFrame(t, l1, auction.MessageNextUser) })
		return a
	}

	tests := []struct {
		name    string
		prep    func(t *testing.T, a *auction.Auction)
		token   string
		amount  int
		wantIs  error
		wantMsg string
	}{
		{
			name:   "token never connected",
			token:  "tok-u2",
			amount: 1,
			wantIs: auction.ErrTokenNotConnected,
		},
		{
			name:   "unknown token",
			token:  "garbage",
			amount: 1,
			wantIs: auction.ErrTokenNotConnected,
		},
		{
			name:   "observer cannot bid",
			token:  "tok-u1",
			amount: 1,
			wantIs: auction.ErrNotLeader,
		},
		{
			name: "paused auction rejects bids",
			prep: func(t *testing.T, a *auction.Auction) {
				a.Leave("l2")
				waitFor(t, "pause", func() bool { return a.Snapshot().Status == auction.StatusWaiting })
			},
			token:  "tok-l1",
			amount: 1,
			wantIs: auction.ErrNotInProgress,
		},
		{
			// Fresh team: 4 open slots, 3 points reserved, 10-3=7 max.
			name:    "slot reservation cap",
			token:   "tok-l1",
			amount:  8,
			wantIs:  auction.ErrBidTooHigh,
			wantMsg: "bid too high (max 7)",
		},
		{
			name:    "zero bid below minimum",
			token:   "tok-l1",
			amount:  0,
			wantMsg: "bid must be at least 1",
		},
		{
			name: "must beat the current bid",
			prep: func(t *testing.T, a *auction.Auction) {
				if err := a.PlaceBid("tok-l2", 5); err != nil {
					t.Fatalf("setup bid error = %v", err)
				}
			},
			token:   "tok-l1",
			amount:  5,
			wantMsg: "bid must be at least 6",
		},
		{
			name:   "bid at the cap is accepted",
			token:  "tok-l1",
			amount: 7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := setup(t)
			if tt.prep != nil {
				tt.prep(t, a)
			}
			err := a.PlaceBid(tt.token, tt.amount)
			if tt.wantIs == nil && tt.wantMsg == "" {
				if err != nil {
					t.Fatalf("PlaceBid() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("PlaceBid() succeeded, want error")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("PlaceBid() error = %v, want %v", err, tt.wantIs)
			}
			if tt.wantMsg != "" && err.Error() != tt.wantMsg {
				t.Errorf("PlaceBid() error = %q, want %q", err, tt.wantMsg)
			}
		})
	}
}

func TestPauseAndResume(t *testing.T) {
	st := testSettings()
	st.TickInterval = 300 * time.Millisecond
	a := newTestAuction(
		[]auction.Team{team(1, 100, 100), team(2, 200, 100)},
		[]int64{1},
		map[string]int64{"tok-l1": 100, "tok-l2": 200, "tok-u1": 1},
		st, auction.Callbacks{},
	)
	defer a.Terminate()

	l1, l2 := newFakeSink("l1"), newFakeSink("l2")
	if _, err := a.Join("tok-l1", l1); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Join("tok-l2", l2); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "first user", func() bool { return hasFrame(t, l1, auction.MessageNextUser) })
	if err := a.PlaceBid("tok-l1", 4); err != nil {
		t.Fatalf("PlaceBid() error = %v", err)
	}

	// Let the restarted countdown tick down to 2, then drop a leader.
	waitFor(t, "timer at 2", func() bool {
		return lastTimerFrame(t, l1) == 2
	})
	a.Leave("l2")

	snap := a.Snapshot()
	if snap.Status != auction.StatusWaiting {
		t.Fatalf("status after leader drop = %q, want waiting", snap.Status)
	}
	if snap.CurrentUserID == nil || *snap.CurrentUserID != 1 {
		t.Error("current user lost across pause")
	}
	if snap.CurrentBid == nil || *snap.CurrentBid != 4 {
		t.Error("current bid lost across pause")
	}
	if snap.CurrentBidder == nil || *snap.CurrentBidder != 1 {
		t.Error("current bidder lost across pause")
	}

	// Same token, fresh connection: the auction resumes from the paused
	// timer value.
	l2b := newFakeSink("l2b")
	if _, err := a.Join("tok-l2", l2b); err != nil {
		t.Fatalf("rejoin error = %v", err)
	}
	waitFor(t, "resume", func() bool { return a.Snapshot().Status == auction.StatusInProgress })

	waitFor(t, "resumed timer frame", func() bool { return hasFrame(t, l2b, auction.MessageTimer) })
	if got := firstTimerFrame(t, l2b); got != 2 {
		t.Errorf("resumed timer = %d, want 2", got)
	}
}

func firstTimerFrame(t *testing.T, s *fakeSink) int {
	t.Helper()
	for _, env := range s.envelopes(t) {
		if env.Type == auction.MessageTimer {
			var data auction.TimerData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				t.Fatal(err)
			}
			return data.Timer
		}
	}
	return -1
}

func lastTimerFrame(t *testing.T, s *fakeSink) int {
	t.Helper()
	last := -1
	for _, env := range s.envelopes(t) {
		if env.Type == auction.MessageTimer {
			var data auction.TimerData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				t.Fatal(err)
			}
			last = data.Timer
		}
	}
	return last
}

func TestSingleTeamShortcut(t *testing.T) {
	var lc lifecycle
	a := newTestAuction(
		[]auction.Team{
			team(1, 100, 20, 11, 12, 13, 14), // full at five members
			team(2, 200, 20, 21),
		},
		[]int64{7, 8, 9},
		map[string]int64{"tok-l1": 100, "tok-l2": 200},
		testSettings(), lc.callbacks(),
	)
	defer a.Terminate()

	l1, l2 := newFakeSink("l1"), newFakeSink("l2")
	if _, err := a.Join("tok-l1", l1); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Join("tok-l2", l2); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "completed status", func() bool {
		return a.Snapshot().Status == auction.StatusCompleted
	})

	snap := a.Snapshot()
	var t2 auction.Team
	for _, tm := range snap.Teams {
		if tm.TeamID == 2 {
			t2 = tm
		}
	}
	want := []int64{200, 21, 7, 8, 9}
	if len(t2.MemberIDs) != len(want) {
		t.Fatalf("team 2 members = %v, want %v", t2.MemberIDs, want)
	}
	for i := range want {
		if t2.MemberIDs[i] != want[i] {
			t.Fatalf("team 2 members = %v, want %v", t2.MemberIDs, want)
		}
	}
	if t2.Points != 20 {
		t.Errorf("team 2 points = %d, want 20 (shortcut assigns for free)", t2.Points)
	}
	if len(snap.AuctionQueue) != 0 {
		t.Errorf("auction queue = %v, want empty", snap.AuctionQueue)
	}
	if !hasFrame(t, l2, auction.MessageUserSold) {
		t.Error("shortcut did not broadcast user_sold")
	}
}

func TestWaitingTTL(t *testing.T) {
	var lc lifecycle
	st := testSettings()
	st.WaitingTTL = 30 * time.Millisecond
	st.TerminateGrace = 10 * time.Millisecond
	a := newTestAuction(
		[]auction.Team{team(1, 100, 50), team(2, 200, 50)},
		[]int64{1},
		map[string]int64{"tok-l1": 100, "tok-l2": 200, "tok-u1": 1},
		st, lc.callbacks(),
	)

	waitFor(t, "TTL teardown", func() bool {
		_, terminated := lc.counts()
		return terminated == 1
	})

	completed, _ := lc.counts()
	if completed != 1 {
		t.Errorf("completed callbacks = %d, want 1", completed)
	}
	if got := a.Snapshot().Status; got != auction.StatusCompleted {
		t.Errorf("status = %q, want completed", got)
	}
}

func TestTerminate_Idempotent(t *testing.T) {
	var lc lifecycle
	a := newTestAuction(
		[]auction.Team{team(1, 100, 50)},
		nil,
		map[string]int64{"tok-l1": 100},
		testSettings(), lc.callbacks(),
	)

	s := newFakeSink("s")
	if _, err := a.Join("tok-l1", s); err != nil {
		t.Fatal(err)
	}

	a.Terminate()
	a.Terminate()

	if _, terminated := lc.counts(); terminated != 1 {
		t.Errorf("terminated callbacks = %d, want 1", terminated)
	}
	if !s.isClosed() {
		t.Error("Terminate left a connection open")
	}
	if a.Hub().Len() != 0 {
		t.Errorf("Hub().Len() = %d after Terminate, want 0", a.Hub().Len())
	}
}

func TestBroadcastEjectionPausesAuction(t *testing.T) {
	st := testSettings()
	st.TickInterval = 50 * time.Millisecond
	a := newTestAuction(
		[]auction.Team{team(1, 100, 100), team(2, 200, 100)},
		[]int64{1},
		map[string]int64{"tok-l1": 100, "tok-l2": 200, "tok-u1": 1},
		st, auction.Callbacks{},
	)
	defer a.Terminate()

	l1, l2 := newFakeSink("l1"), newFakeSink("l2")
	if _, err := a.Join("tok-l1", l1); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Join("tok-l2", l2); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "start", func() bool { return a.Snapshot().Status == auction.StatusInProgress })

	// A leader whose connection dies mid-broadcast pauses the auction just
	// like an orderly disconnect.
	l2.setFail(true)
	waitFor(t, "pause on ejection", func() bool {
		return a.Snapshot().Status == auction.StatusWaiting
	})
	if !l2.isClosed() {
		t.Error("ejected sink was not closed")
	}
}
