package channels

import (
	"fmt"

	"chatops-agent/internal/config"

	"github.com/bwmarrin/discordgo"
)

type Role int

const (
	RoleCommands Role = iota
	RoleActions
	RoleLogs
)

var roles = []Role{RoleCommands, RoleActions, RoleLogs}

func (r Role) String() string {
	switch r {
	case RoleCommands:
		return "commands"
	case RoleActions:
		return "actions"
	case RoleLogs:
		return "logs"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ConfigurationError reports a channel role that cannot be used. It is an
// environment problem: the agent must not keep running with it.
type ConfigurationError struct {
	Role      Role
	ChannelID string
	Reason    string
	Err       error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("channel %s (%s) %s", e.ChannelID, e.Role, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

type Resolver interface {
	Channel(channelID string) (*discordgo.Channel, error)
}

type Registry struct {
	ids      map[Role]string
	resolver Resolver
	guildID  string
}

func NewRegistry(ids config.ChannelIDs, resolver Resolver) *Registry {
	return &Registry{
		ids: map[Role]string{
			RoleCommands: ids.Commands,
			RoleActions:  ids.Actions,
			RoleLogs:     ids.Logs,
		},
		resolver: resolver,
	}
}

// ID returns the configured channel id for role.
func (r *Registry) ID(role Role) string {
	return r.ids[role]
}

// RoleOf maps an inbound channel id to its role. A channel configured for
// several roles maps to the latest of them, so a shared logs channel stays
// the logs channel.
func (r *Registry) RoleOf(channelID string) (Role, bool) {
	if channelID == "" {
		return 0, false
	}
	for i := len(roles) - 1; i >= 0; i-- {
		if r.ids[roles[i]] == channelID {
			return roles[i], true
		}
	}
	return 0, false
}

// GuildID is the guild all roles resolved into; empty before ResolveAll.
func (r *Registry) GuildID() string {
	return r.guildID
}

// Resolve looks up the live channel for role and checks it is a guild text
// channel.
func (r *Registry) Resolve(role Role) (*discordgo.Channel, error) {
	id, ok := r.ids[role]
	if !ok || id == "" {
		return nil, &ConfigurationError{Role: role, Reason: "is not configured"}
	}
	channel, err := r.resolver.Channel(id)
	if err != nil {
		return nil, &ConfigurationError{Role: role, ChannelID: id, Reason: "not found", Err: err}
	}
	if channel == nil {
		return nil, &ConfigurationError{Role: role, ChannelID: id, Reason: "not found"}
	}
	if !isText(channel.Type) {
		return nil, &ConfigurationError{Role: role, ChannelID: id, Reason: "is not a text channel"}
	}
	return channel, nil
}

// ResolveAll validates every role and pins the guild they belong to.
func (r *Registry) ResolveAll() error {
	guildID := ""
	for _, role := range roles {
		channel, err := r.Resolve(role)
		if err != nil {
			return err
		}
		if guildID == "" {
			guildID = channel.GuildID
		} else if channel.GuildID != guildID {
			return &ConfigurationError{Role: role, ChannelID: channel.ID, Reason: "belongs to another guild"}
		}
	}
	r.guildID = guildID
	return nil
}

func isText(kind discordgo.ChannelType) bool {
	return kind == discordgo.ChannelTypeGuildText || kind == discordgo.ChannelTypeGuildNews
}
