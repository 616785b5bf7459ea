// Package discord lets a live voice session talk in a Discord voice channel
// via the bwmarrin/discordgo library. The joined channel acts as both the
// microphone (one participant's decoded Opus stream, mixed down to mono) and
// the speaker (a [timeline.Device] rendered into 20 ms Opus frames).
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Options selects the voice channel to join.
type Options struct {
	// Token is the bot token, without the "Bot " prefix.
	Token string

	GuildID   string
	ChannelID string
}

// Dial opens a gateway session with the bot token and joins the configured
// voice channel. Closing the returned Voice leaves the channel and closes
// the gateway session.
func Dial(ctx context.Context, opts Options) (*Voice, error) {
	if opts.Token == "" || opts.GuildID == "" || opts.ChannelID == "" {
		return nil, errors.New("discord: token, guild_id and channel_id are required")
	}
	s, err := discordgo.New("Bot " + opts.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildVoiceStates
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = s.Close()
		return nil, err
	}

	v, err := Join(s, opts.GuildID, opts.ChannelID)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	v.closeSession = s.Close
	return v, nil
}

// Join joins channelID on an already open session. The session stays owned
// by the caller.
func Join(s *discordgo.Session, guildID, channelID string) (*Voice, error) {
	// mute=false (we send audio), deaf=false (we receive audio).
	vc, err := s.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	v := newVoice(vc, guildID)
	v.disconnectVC = vc.Disconnect
	v.removeHandler = s.AddHandler(v.handleVoiceStateUpdate)
	v.start()
	slog.Info("discord: joined voice channel", "guild", guildID, "channel", channelID)
	return v, nil
}
