// Package chat is the boundary between the dispatch engine and the chat
// platform.
package chat

import (
	"context"
	"io"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

// Transport is everything the engine produces towards the chat platform.
type Transport interface {
	Send(ctx context.Context, channelID, content string) (string, error)
	SendFile(ctx context.Context, channelID, content, name string, r io.Reader) error
	React(ctx context.Context, channelID, messageID, emoji string) error
	ClearReactions(ctx context.Context, channelID, messageID string) error
	Edit(ctx context.Context, channelID, messageID, content string) error
	Purge(ctx context.Context, channelID string) (int, error)
}

const purgePageSize = 100

// Discord implements Transport on a discordgo session.
type Discord struct {
	session *discordgo.Session
	deletes *rate.Limiter
}

func NewDiscord(session *discordgo.Session) *Discord {
	return &Discord{
		session: session,
		deletes: rate.NewLimiter(rate.Every(300*time.Millisecond), 1),
	}
}

func (d *Discord) Channel(channelID string) (*discordgo.Channel, error) {
	if channel, err := d.session.State.Channel(channelID); err == nil && channel != nil {
		return channel, nil
	}
	return d.session.Channel(channelID)
}

func (d *Discord) Send(_ context.Context, channelID, content string) (string, error) {
	msg, err := d.session.ChannelMessageSend(channelID, content)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (d *Discord) SendFile(_ context.Context, channelID, content, name string, r io.Reader) error {
	_, err := d.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: content,
		Files: []*discordgo.File{{
			Name:        name,
			ContentType: "text/plain",
			Reader:      r,
		}},
	})
	return err
}

func (d *Discord) React(_ context.Context, channelID, messageID, emoji string) error {
	return d.session.MessageReactionAdd(channelID, messageID, emoji)
}

func (d *Discord) ClearReactions(_ context.Context, channelID, messageID string) error {
	return d.session.MessageReactionsRemoveAll(channelID, messageID)
}

func (d *Discord) Edit(_ context.Context, channelID, messageID, content string) error {
	_, err := d.session.ChannelMessageEdit(channelID, messageID, content)
	return err
}

// Purge deletes the channel history page by page. Deletions are paced by a
// limiter; the context stops the purge between deletions.
func (d *Discord) Purge(ctx context.Context, channelID string) (int, error) {
	deleted := 0
	for {
		msgs, err := d.session.ChannelMessages(channelID, purgePageSize, "", "", "")
		if err != nil {
			return deleted, err
		}
		if len(msgs) == 0 {
			return deleted, nil
		}
		for _, msg := range msgs {
			if err := d.deletes.Wait(ctx); err != nil {
				return deleted, err
			}
			if err := d.session.ChannelMessageDelete(channelID, msg.ID); err != nil {
				return deleted, err
			}
			deleted++
		}
		if len(msgs) < purgePageSize {
			return deleted, nil
		}
	}
}
