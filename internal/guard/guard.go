package guard

import "github.com/bwmarrin/discordgo"

// Principal is the acting user of one inbound event.
type Principal struct {
	ID            string
	Name          string
	Owner         bool
	Administrator bool
}

type Action string

const (
	ActionHelp          Action = "help"
	ActionLogs          Action = "logs"
	ActionMenu          Action = "menu"
	ActionAbort         Action = "abort"
	ActionRestart       Action = "restart"
	ActionChangeDNS     Action = "change_dns"
	ActionRunPayload    Action = "run_payload"
	ActionSendAgentLogs Action = "send_agent_logs"
	ActionDestroy       Action = "destroy"
)

type Decision int

const (
	Denied Decision = iota
	Allowed
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// Authorize allows guild owners and administrators; every action handled by
// the agent is privileged.
func Authorize(p Principal, _ Action) Decision {
	if p.Owner || p.Administrator {
		return Allowed
	}
	return Denied
}

// PrincipalOf builds the principal for userID from guild state.
func PrincipalOf(guild *discordgo.Guild, member *discordgo.Member, user *discordgo.User) Principal {
	p := Principal{}
	if user != nil {
		p.ID = user.ID
		p.Name = DisplayName(user)
	} else if member != nil && member.User != nil {
		p.ID = member.User.ID
		p.Name = DisplayName(member.User)
	}
	if guild == nil || p.ID == "" {
		return p
	}
	p.Owner = guild.OwnerID == p.ID
	p.Administrator = HasAdministrator(guild, member)
	return p
}

// DisplayName renders user the way allow-list entries are written: the bare
// username for accounts on the new username system, name#1234 otherwise.
func DisplayName(user *discordgo.User) string {
	if user == nil {
		return ""
	}
	if user.Discriminator == "" || user.Discriminator == "0" {
		return user.Username
	}
	return user.Username + "#" + user.Discriminator
}

// HasAdministrator folds the @everyone role and the member's roles into one
// permission set.
func HasAdministrator(guild *discordgo.Guild, member *discordgo.Member) bool {
	if guild == nil || member == nil {
		return false
	}
	perms := int64(0)
	roleMap := make(map[string]*discordgo.Role, len(guild.Roles))
	for _, role := range guild.Roles {
		if role == nil {
			continue
		}
		if role.ID == guild.ID {
			perms |= role.Permissions
		}
		roleMap[role.ID] = role
	}
	for _, roleID := range member.Roles {
		if role := roleMap[roleID]; role != nil {
			perms |= role.Permissions
		}
	}
	return perms&discordgo.PermissionAdministrator != 0
}
