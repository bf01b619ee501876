package auction

import "encoding/json"

// Status of an auction session.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Role of a token holder within an auction.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleObserver Role = "observer"
)

// MessageType identifies a frame on the auction websocket.
type MessageType string

// Server to client frame types.
const (
	MessageInit        MessageType = "init"
	MessageStatus      MessageType = "status"
	MessageNextUser    MessageType = "next_user"
	MessageQueueUpdate MessageType = "queue_update"
	MessageTimer       MessageType = "timer"
	MessageBidPlaced   MessageType = "bid_placed"
	MessageUserSold    MessageType = "user_sold"
	MessageUserUnsold  MessageType = "user_unsold"
	MessageError       MessageType = "error"
)

// Client to server frame types.
const (
	MessagePlaceBid MessageType = "place_bid"
)

// Message is the outbound wire envelope.
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// Envelope is the inbound frame shape before the payload is decoded.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// PlaceBidData is the payload of a place_bid frame.
type PlaceBidData struct {
	Amount int `json:"amount"`
}

// StatusData is the payload of a status frame.
type StatusData struct {
	Status Status `json:"status"`
}

// NextUserData is the payload of a next_user frame.
type NextUserData struct {
	UserID int64 `json:"user_id"`
}

// QueueUpdateData is the payload of a queue_update frame.
type QueueUpdateData struct {
	AuctionQueue []int64 `json:"auction_queue"`
	UnsoldQueue  []int64 `json:"unsold_queue"`
}

// TimerData is the payload of a timer tick frame.
type TimerData struct {
	Timer int `json:"timer"`
}

// BidPlacedData is the payload of a bid_placed frame.
type BidPlacedData struct {
	TeamID   int   `json:"team_id"`
	LeaderID int64 `json:"leader_id"`
	Amount   int   `json:"amount"`
}

// UserSoldData carries the full team snapshot after a sale, so every client
// observes the new rosters and point balances.
type UserSoldData struct {
	Teams []Team `json:"teams"`
}

// UserUnsoldData is the (empty) payload of a user_unsold frame.
type UserUnsoldData struct{}

// ErrorData is the payload of an error frame, sent only to the client whose
// request failed.
type ErrorData struct {
	Error string `json:"error"`
}

// Snapshot is the externally observable auction state.
type Snapshot struct {
	AuctionID     string  `json:"auction_id"`
	Status        Status  `json:"status"`
	CurrentUserID *int64  `json:"current_user_id"`
	CurrentBid    *int    `json:"current_bid"`
	CurrentBidder *int    `json:"current_bidder"`
	Timer         int     `json:"timer"`
	Teams         []Team  `json:"teams"`
	AuctionQueue  []int64 `json:"auction_queue"`
	UnsoldQueue   []int64 `json:"unsold_queue"`
}

// InitData is the first frame every client receives: the snapshot merged
// with the client's own identity.
type InitData struct {
	Snapshot
	UserID   int64 `json:"user_id"`
	TeamID   *int  `json:"team_id"`
	Role     Role  `json:"role"`
	IsLeader bool  `json:"is_leader"`
}

// Team is one captain's roster within an auction. The leader occupies the
// first member slot from creation.
type Team struct {
	TeamID    int     `json:"team_id"`
	LeaderID  int64   `json:"leader_id"`
	MemberIDs []int64 `json:"member_id_list"`
	Points    int     `json:"points"`
}

func (t Team) clone() Team {
	c := t
	c.MemberIDs = append([]int64(nil), t.MemberIDs...)
	return c
}
