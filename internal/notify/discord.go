// Package notify delivers auction join links to participants over Discord
// direct messages. Delivery is best effort: a failed DM never blocks an
// auction.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/jensholdgaard/draft-auction/internal/config"
	"github.com/jensholdgaard/draft-auction/internal/metrics"
)

// Invite is one join link addressed to one participant.
type Invite struct {
	UserID int64
	URL    string
}

// Notifier wraps the Discord session used for invite DMs.
type Notifier struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// New creates a Notifier. It does not open the connection; call Start.
func New(cfg config.DiscordConfig, logger *slog.Logger) (*Notifier, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return &Notifier{session: session, logger: logger}, nil
}

// Start opens the Discord connection.
func (n *Notifier) Start(ctx context.Context) error {
	n.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		n.logger.InfoContext(ctx, "discord notifier ready", slog.String("user", s.State.User.Username))
	})
	if err := n.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}
	return nil
}

// Stop closes the Discord connection.
func (n *Notifier) Stop() error {
	return n.session.Close()
}

// SendInvites DMs every participant their personal join link. Failures are
// logged and counted, never returned: the auction proceeds regardless.
func (n *Notifier) SendInvites(ctx context.Context, auctionID string, invites []Invite) {
	for _, inv := range invites {
		userID := fmt.Sprintf("%d", inv.UserID)
		channel, err := n.session.UserChannelCreate(userID)
		if err != nil {
			n.logger.Warn("opening DM channel failed",
				slog.String("auction_id", auctionID),
				slog.Int64("user_id", inv.UserID),
				slog.Any("error", err),
			)
			metrics.InvitesSent.WithLabelValues("failed").Inc()
			continue
		}

		msg := fmt.Sprintf("A draft auction is starting. Join here: %s", inv.URL)
		if _, err := n.session.ChannelMessageSend(channel.ID, msg); err != nil {
			n.logger.Warn("sending invite failed",
				slog.String("auction_id", auctionID),
				slog.Int64("user_id", inv.UserID),
				slog.Any("error", err),
			)
			metrics.InvitesSent.WithLabelValues("failed").Inc()
			continue
		}
		metrics.InvitesSent.WithLabelValues("sent").Inc()
	}
	n.logger.InfoContext(ctx, "invites dispatched",
		slog.String("auction_id", auctionID),
		slog.Int("count", len(invites)),
	)
}
