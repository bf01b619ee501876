package auction

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jensholdgaard/draft-auction/internal/clock"
	"github.com/jensholdgaard/draft-auction/internal/metrics"
)

// Errors returned by auction operations. Bid rejections carry the reason
// that is relayed verbatim to the submitting client.
var (
	ErrUnknownToken       = errors.New("invalid token")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrTokenNotConnected  = errors.New("token not connected")
	ErrNotLeader          = errors.New("only leaders can place bids")
	ErrTeamNotFound       = errors.New("team not found")
	ErrNotInProgress      = errors.New("auction not in progress")
	ErrNoCurrentUser      = errors.New("no user being auctioned")
	ErrBidTooHigh         = errors.New("bid too high")
	ErrInsufficientPoints = errors.New("insufficient points")
)

// Settings are the per-auction tunables.
type Settings struct {
	// TimerDuration is the countdown granted per user, restarted from the
	// full value on every accepted bid.
	TimerDuration int
	// WaitingTTL is how long an auction may sit in the waiting status
	// before it self-completes and is torn down.
	WaitingTTL time.Duration
	// TerminateGrace is the delay between reaching the completed status and
	// closing all connections, so clients observe the terminal status.
	TerminateGrace time.Duration
	// MaxTeamSize bounds a team roster, leader included.
	MaxTeamSize int
	// MinBidIncrement is the amount by which a bid must exceed the current
	// one.
	MinBidIncrement int
	// TickInterval is the wall-clock length of one timer tick. Production
	// uses one second; tests shrink it.
	TickInterval time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.TimerDuration <= 0 {
		s.TimerDuration = 5
	}
	if s.WaitingTTL <= 0 {
		s.WaitingTTL = 5 * time.Minute
	}
	if s.TerminateGrace <= 0 {
		s.TerminateGrace = 5 * time.Second
	}
	if s.MaxTeamSize <= 0 {
		s.MaxTeamSize = 5
	}
	if s.MinBidIncrement <= 0 {
		s.MinBidIncrement = 1
	}
	if s.TickInterval <= 0 {
		s.TickInterval = time.Second
	}
	return s
}

// Callbacks connect an Auction back to its owner without a circular
// reference; the manager supplies them at creation.
type Callbacks struct {
	// OnTerminated runs once, after the auction has closed its connections
	// and cancelled its background work.
	OnTerminated func(auctionID string)
	// OnCompleted runs when the auction reaches the completed status, with
	// the final team snapshots.
	OnCompleted func(auctionID string, presetID int64, teams []Team)
}

// Identity describes what one token resolves to inside an auction.
type Identity struct {
	UserID   int64
	Role     Role
	IsLeader bool
	TeamID   *int
}

// Auction is one live drafting session. All state transitions are serialized
// by a single mutex; broadcasts happen under it, which is what gives every
// client the same total order of frames.
type Auction struct {
	ID       string
	PresetID int64

	settings Settings
	clk      clock.Clock
	logger   *slog.Logger
	hub      *Hub
	timer    *Countdown
	cb       Callbacks

	mu            sync.Mutex
	status        Status
	teams         map[int]*Team
	leaderIDs     map[int64]struct{}
	tokenUsers    map[string]int64 // every minted token
	connected     map[string]int64 // tokens with a live connection
	sinkTokens    map[string]string
	auctionQueue  []int64
	unsoldQueue   []int64
	currentUserID *int64
	currentBid    *int
	currentBidder *int
	timerValue    int
	pausedTimer   *int
	timerSeq      uint64
	ttlCancel     chan struct{}
	terminated    bool
}

// New constructs an auction in the waiting status and schedules its
// auto-delete deadline. The queue order is taken as given (the manager
// shuffles it); leader ids are removed from it, since leaders are seated on
// their teams from creation.
func New(id string, presetID int64, teams []Team, queue []int64, tokenUsers map[string]int64,
	st Settings, clk clock.Clock, logger *slog.Logger, cb Callbacks) *Auction {

	st = st.withDefaults()

	a := &Auction{
		ID:         id,
		PresetID:   presetID,
		settings:   st,
		clk:        clk,
		logger:     logger,
		hub:        NewHub(logger),
		cb:         cb,
		status:     StatusWaiting,
		teams:      make(map[int]*Team, len(teams)),
		leaderIDs:  make(map[int64]struct{}, len(teams)),
		tokenUsers: make(map[string]int64, len(tokenUsers)),
		connected:  make(map[string]int64),
		sinkTokens: make(map[string]string),
		timerValue: st.TimerDuration,
	}
	a.timer = NewCountdown(clk, st.TickInterval)

	for _, t := range teams {
		ct := t.clone()
		if len(ct.MemberIDs) == 0 {
			ct.MemberIDs = []int64{ct.LeaderID}
		}
		a.teams[ct.TeamID] = &ct
		a.leaderIDs[ct.LeaderID] = struct{}{}
	}
	for _, uid := range queue {
		if _, isLeader := a.leaderIDs[uid]; !isLeader {
			a.auctionQueue = append(a.auctionQueue, uid)
		}
	}
	for token, uid := range tokenUsers {
		a.tokenUsers[token] = uid
	}

	a.mu.Lock()
	a.scheduleAutoDeleteLocked()
	a.mu.Unlock()

	return a
}

// Hub exposes the auction's broadcast hub.
func (a *Auction) Hub() *Hub { return a.hub }

// Snapshot returns a copy of the externally observable state.
func (a *Auction) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Auction) snapshotLocked() Snapshot {
	teams := make([]Team, 0, len(a.teams))
	for _, t := range a.teams {
		teams = append(teams, t.clone())
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].TeamID < teams[j].TeamID })

	return Snapshot{
		AuctionID:     a.ID,
		Status:        a.status,
		CurrentUserID: copyPtr(a.currentUserID),
		CurrentBid:    copyPtr(a.currentBid),
		CurrentBidder: copyPtr(a.currentBidder),
		Timer:         a.timerValue,
		Teams:         teams,
		AuctionQueue:  append([]int64{}, a.auctionQueue...),
		UnsoldQueue:   append([]int64{}, a.unsoldQueue...),
	}
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// identityLocked resolves a user id to its role and team binding.
func (a *Auction) identityLocked(uid int64) Identity {
	id := Identity{UserID: uid, Role: RoleObserver}
	if _, ok := a.leaderIDs[uid]; !ok {
		return id
	}
	id.Role = RoleLeader
	id.IsLeader = true
	for tid, t := range a.teams {
		if t.LeaderID == uid {
			teamID := tid
			id.TeamID = &teamID
			break
		}
	}
	return id
}

// Join registers a live connection for token, attaches its sink, delivers
// the init snapshot, and drives the waiting-to-in-progress transition when
// the last missing leader arrives. At most one live connection per token is
// allowed.
func (a *Auction) Join(token string, sink Sink) (Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	uid, ok := a.tokenUsers[token]
	if !ok {
		return Identity{}, ErrUnknownToken
	}
	if _, live := a.connected[token]; live {
		return Identity{}, ErrAlreadyConnected
	}

	a.connected[token] = uid
	a.sinkTokens[sink.ID()] = token
	a.hub.Attach(sink)

	id := a.identityLocked(uid)

	init := InitData{
		Snapshot: a.snapshotLocked(),
		UserID:   id.UserID,
		TeamID:   id.TeamID,
		Role:     id.Role,
		IsLeader: id.IsLeader,
	}
	if err := a.hub.SendTo(sink, Message{Type: MessageInit, Data: init}); err != nil {
		a.logger.Warn("init frame not delivered",
			slog.String("auction_id", a.ID),
			slog.Int64("user_id", uid),
			slog.Any("error", err),
		)
	}

	a.logger.Info("client joined",
		slog.String("auction_id", a.ID),
		slog.Int64("user_id", uid),
		slog.String("role", string(id.Role)),
	)

	if a.status == StatusWaiting && a.allLeadersConnectedLocked() {
		a.startLocked()
	}
	return id, nil
}

// Leave tears down the connection registered for the given sink id. If a
// leader drops while the auction is running, the auction pauses.
func (a *Auction) Leave(sinkID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	token, ok := a.sinkTokens[sinkID]
	if !ok {
		return
	}
	delete(a.sinkTokens, sinkID)
	a.hub.Detach(sinkID)
	a.disconnectTokenLocked(token)
}

func (a *Auction) disconnectTokenLocked(token string) {
	uid, live := a.connected[token]
	if !live {
		return
	}
	delete(a.connected, token)

	a.logger.Info("client left",
		slog.String("auction_id", a.ID),
		slog.Int64("user_id", uid),
	)

	_, isLeader := a.leaderIDs[uid]
	if a.status == StatusInProgress && isLeader {
		a.pauseLocked()
	}
}

func (a *Auction) allLeadersConnectedLocked() bool {
	online := make(map[int64]struct{}, len(a.connected))
	for _, uid := range a.connected {
		online[uid] = struct{}{}
	}
	for leader := range a.leaderIDs {
		if _, ok := online[leader]; !ok {
			return false
		}
	}
	return true
}

// startLocked drives waiting -> in_progress: on first entry it selects the
// first user; on a resume it restarts the timer from the paused value.
func (a *Auction) startLocked() {
	a.status = StatusInProgress
	a.cancelAutoDeleteLocked()
	a.broadcastLocked(Message{Type: MessageStatus, Data: StatusData{Status: a.status}})

	if a.currentUserID == nil {
		a.nextUserLocked()
		return
	}

	resumeFrom := a.settings.TimerDuration
	if a.pausedTimer != nil {
		resumeFrom = *a.pausedTimer
		a.pausedTimer = nil
	}
	a.logger.Info("auction resumed",
		slog.String("auction_id", a.ID),
		slog.Int("timer", resumeFrom),
	)
	a.startTimerLocked(resumeFrom)
}

// pauseLocked drives in_progress -> waiting, preserving the current user,
// bid and remaining timer so a full reconnect picks up where it left off.
func (a *Auction) pauseLocked() {
	a.status = StatusWaiting
	if rem, running := a.cancelTimerLocked(); running {
		a.pausedTimer = &rem
	} else {
		a.pausedTimer = nil
	}
	a.scheduleAutoDeleteLocked()

	a.logger.Info("auction paused on leader disconnect",
		slog.String("auction_id", a.ID),
	)
	a.broadcastLocked(Message{Type: MessageStatus, Data: StatusData{Status: a.status}})
}

// nextUserLocked advances the queue per the draft rules: stop the timer,
// take the single-team shortcut if only one roster is incomplete, recycle
// the unsold queue when the main queue drains, then put the next user up
// and start a fresh countdown.
func (a *Auction) nextUserLocked() {
	a.cancelTimerLocked()

	incomplete := a.incompleteTeamsLocked()
	if len(incomplete) == 1 {
		a.fillLastTeamLocked(incomplete[0])
		return
	}
	if len(incomplete) == 0 {
		a.completeLocked()
		return
	}

	if len(a.auctionQueue) == 0 && len(a.unsoldQueue) > 0 {
		a.auctionQueue = a.unsoldQueue
		a.unsoldQueue = nil
	}
	if len(a.auctionQueue) == 0 {
		a.completeLocked()
		return
	}

	next := a.auctionQueue[0]
	a.auctionQueue = a.auctionQueue[1:]
	a.currentUserID = &next
	a.currentBid = nil
	a.currentBidder = nil
	a.timerValue = a.settings.TimerDuration

	a.broadcastLocked(Message{Type: MessageNextUser, Data: NextUserData{UserID: next}})
	a.broadcastLocked(Message{Type: MessageQueueUpdate, Data: QueueUpdateData{
		AuctionQueue: append([]int64{}, a.auctionQueue...),
		UnsoldQueue:  append([]int64{}, a.unsoldQueue...),
	}})
	a.startTimerLocked(a.settings.TimerDuration)
}

func (a *Auction) incompleteTeamsLocked() []*Team {
	var out []*Team
	for _, t := range a.teams {
		if len(t.MemberIDs) < a.settings.MaxTeamSize {
			out = append(out, t)
		}
	}
	return out
}

// fillLastTeamLocked is the single-team shortcut: with one roster left to
// fill there is no competition, so remaining users are assigned outright.
// Users that do not fit go to the unsold queue.
func (a *Auction) fillLastTeamLocked(team *Team) {
	for len(team.MemberIDs) < a.settings.MaxTeamSize {
		var uid int64
		if len(a.auctionQueue) > 0 {
			uid, a.auctionQueue = a.auctionQueue[0], a.auctionQueue[1:]
		} else if len(a.unsoldQueue) > 0 {
			uid, a.unsoldQueue = a.unsoldQueue[0], a.unsoldQueue[1:]
		} else {
			break
		}
		team.MemberIDs = append(team.MemberIDs, uid)
	}
	if len(a.auctionQueue) > 0 {
		a.unsoldQueue = append(a.unsoldQueue, a.auctionQueue...)
		a.auctionQueue = nil
	}

	a.logger.Info("single incomplete team, assigning remaining users",
		slog.String("auction_id", a.ID),
		slog.Int("team_id", team.TeamID),
	)

	a.broadcastLocked(Message{Type: MessageUserSold, Data: UserSoldData{Teams: a.snapshotLocked().Teams}})
	a.broadcastLocked(Message{Type: MessageQueueUpdate, Data: QueueUpdateData{
		AuctionQueue: append([]int64{}, a.auctionQueue...),
		UnsoldQueue:  append([]int64{}, a.unsoldQueue...),
	}})
	a.completeLocked()
}

// PlaceBid validates and applies a bid from the holder of token. Every check
// runs in a fixed order and a failure leaves the auction untouched; the
// error text is the reason shown to the bidding client.
func (a *Auction) PlaceBid(token string, amount int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.placeBidLocked(token, amount); err != nil {
		metrics.BidsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	metrics.BidsTotal.WithLabelValues("accepted").Inc()
	return nil
}

func (a *Auction) placeBidLocked(token string, amount int) error {
	uid, live := a.connected[token]
	if !live {
		return ErrTokenNotConnected
	}
	if _, isLeader := a.leaderIDs[uid]; !isLeader {
		return ErrNotLeader
	}

	var team *Team
	for _, t := range a.teams {
		if t.LeaderID == uid {
			team = t
			break
		}
	}
	if team == nil {
		return ErrTeamNotFound
	}
	if a.status != StatusInProgress {
		return ErrNotInProgress
	}
	if a.currentUserID == nil {
		return ErrNoCurrentUser
	}
	if len(team.MemberIDs) >= a.settings.MaxTeamSize {
		return fmt.Errorf("team already has %d members", a.settings.MaxTeamSize)
	}

	// A team must keep one point in reserve for every remaining slot beyond
	// the one being bid on.
	remainingSlots := a.settings.MaxTeamSize - len(team.MemberIDs)
	minReserve := remainingSlots - 1
	maxAllowed := team.Points - minReserve
	if amount > maxAllowed {
		return fmt.Errorf("%w (max %d)", ErrBidTooHigh, maxAllowed)
	}
	if amount > team.Points {
		return ErrInsufficientPoints
	}

	minBid := 1
	if a.currentBid != nil {
		minBid = *a.currentBid + a.settings.MinBidIncrement
	}
	if amount < minBid {
		return fmt.Errorf("bid must be at least %d", minBid)
	}

	a.currentBid = &amount
	teamID := team.TeamID
	a.currentBidder = &teamID
	a.cancelTimerLocked()

	a.logger.Info("bid placed",
		slog.String("auction_id", a.ID),
		slog.Int("team_id", teamID),
		slog.Int64("leader_id", uid),
		slog.Int("amount", amount),
	)

	a.broadcastLocked(Message{Type: MessageBidPlaced, Data: BidPlacedData{
		TeamID:   teamID,
		LeaderID: uid,
		Amount:   amount,
	}})

	a.timerValue = a.settings.TimerDuration
	a.startTimerLocked(a.settings.TimerDuration)
	return nil
}

// finalizeCurrentLocked settles the user on the block when the countdown
// expires: sold to the highest bidder, or moved to the unsold queue.
func (a *Auction) finalizeCurrentLocked() {
	if a.currentUserID == nil {
		return
	}
	uid := *a.currentUserID

	if a.currentBid == nil || a.currentBidder == nil {
		a.unsoldQueue = append(a.unsoldQueue, uid)
		a.currentUserID = nil
		a.broadcastLocked(Message{Type: MessageUserUnsold, Data: UserUnsoldData{}})
	} else {
		team, ok := a.teams[*a.currentBidder]
		if !ok {
			// Unreachable per the bid checks; treat as no sale.
			a.logger.Error("bidder team missing at sale",
				slog.String("auction_id", a.ID),
				slog.Int("team_id", *a.currentBidder),
			)
			a.unsoldQueue = append(a.unsoldQueue, uid)
			a.currentUserID = nil
			a.broadcastLocked(Message{Type: MessageUserUnsold, Data: UserUnsoldData{}})
			a.nextUserLocked()
			return
		}
		team.Points -= *a.currentBid
		team.MemberIDs = append(team.MemberIDs, uid)
		a.currentUserID = nil

		a.logger.Info("user sold",
			slog.String("auction_id", a.ID),
			slog.Int64("user_id", uid),
			slog.Int("team_id", team.TeamID),
			slog.Int("amount", *a.currentBid),
		)
		a.broadcastLocked(Message{Type: MessageUserSold, Data: UserSoldData{Teams: a.snapshotLocked().Teams}})
	}

	a.nextUserLocked()
}

// completeLocked drives the terminal transition and schedules the delayed
// teardown.
func (a *Auction) completeLocked() {
	if a.status == StatusCompleted {
		return
	}
	a.status = StatusCompleted
	a.currentUserID = nil
	a.currentBid = nil
	a.currentBidder = nil
	a.pausedTimer = nil
	a.cancelTimerLocked()
	a.cancelAutoDeleteLocked()

	a.logger.Info("auction completed", slog.String("auction_id", a.ID))
	metrics.AuctionsCompleted.Inc()

	a.broadcastLocked(Message{Type: MessageStatus, Data: StatusData{Status: a.status}})

	if a.cb.OnCompleted != nil {
		teams := a.snapshotLocked().Teams
		go a.cb.OnCompleted(a.ID, a.PresetID, teams)
	}
	go a.delayedTerminate()
}

func (a *Auction) delayedTerminate() {
	<-a.clk.After(a.settings.TerminateGrace)
	a.Terminate()
}

// Terminate closes every connection, cancels all background work, and
// notifies the owner exactly once. It is safe to call repeatedly and from
// any goroutine.
func (a *Auction) Terminate() {
	a.mu.Lock()
	if a.terminated {
		a.mu.Unlock()
		return
	}
	a.terminated = true
	a.cancelTimerLocked()
	a.cancelAutoDeleteLocked()
	a.connected = make(map[string]int64)
	a.sinkTokens = make(map[string]string)
	a.mu.Unlock()

	a.hub.CloseAll()

	a.logger.Info("auction terminated", slog.String("auction_id", a.ID))
	if a.cb.OnTerminated != nil {
		a.cb.OnTerminated(a.ID)
	}
}

// --- timer plumbing ---

// startTimerLocked begins a countdown guarded by a sequence number, so a
// tick or expiry from a superseded run is discarded.
func (a *Auction) startTimerLocked(from int) {
	a.timerSeq++
	seq := a.timerSeq
	a.timer.Start(from,
		func(v int) { a.handleTick(seq, v) },
		func() { a.handleExpiry(seq) },
	)
}

func (a *Auction) cancelTimerLocked() (remaining int, wasRunning bool) {
	a.timerSeq++
	return a.timer.Cancel()
}

func (a *Auction) handleTick(seq uint64, v int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seq != a.timerSeq {
		return
	}
	a.timerValue = v
	a.broadcastLocked(Message{Type: MessageTimer, Data: TimerData{Timer: v}})
}

func (a *Auction) handleExpiry(seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seq != a.timerSeq {
		return
	}
	a.finalizeCurrentLocked()
}

// --- auto-delete plumbing ---

// scheduleAutoDeleteLocked (re)arms the waiting TTL. An auction that sits in
// the waiting status past the deadline completes and tears itself down.
func (a *Auction) scheduleAutoDeleteLocked() {
	a.cancelAutoDeleteLocked()
	cancel := make(chan struct{})
	a.ttlCancel = cancel
	go a.waitingTTL(cancel)
}

func (a *Auction) cancelAutoDeleteLocked() {
	if a.ttlCancel != nil {
		close(a.ttlCancel)
		a.ttlCancel = nil
	}
}

func (a *Auction) waitingTTL(cancel chan struct{}) {
	select {
	case <-cancel:
		return
	case <-a.clk.After(a.settings.WaitingTTL):
	}

	a.mu.Lock()
	if a.status != StatusWaiting || a.terminated {
		a.mu.Unlock()
		return
	}
	a.logger.Info("auction expired while waiting", slog.String("auction_id", a.ID))
	a.completeLocked()
	a.mu.Unlock()
}

// broadcastLocked fans msg out and runs the disconnect path for any client
// the hub ejected, so a dead leader pauses the auction just like an orderly
// disconnect would.
func (a *Auction) broadcastLocked(msg Message) {
	failed := a.hub.Broadcast(msg)
	for _, s := range failed {
		token, ok := a.sinkTokens[s.ID()]
		if !ok {
			continue
		}
		delete(a.sinkTokens, s.ID())
		a.disconnectTokenLocked(token)
	}
}
