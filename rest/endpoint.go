package rest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// CacheIdentity collapses per-instance endpoints to a single cache and
// rate-limit identity, e.g. every GetChannel(id) shares one identity.
type CacheIdentity uint8

const (
	CacheIdentityNone CacheIdentity = iota
	CacheIdentityGetGateway
	CacheIdentityGetGatewayBot
	CacheIdentityGetChannel
	CacheIdentityGetGuild
	CacheIdentityGetGuildChannels
	CacheIdentityGetGuildMember
	CacheIdentityGetUser
	CacheIdentityGetCurrentUser
	CacheIdentityGetGuildRoles
)

func (c CacheIdentity) String() string {
	return []string{
		"none",
		"getGateway",
		"getGatewayBot",
		"getChannel",
		"getGuild",
		"getGuildChannels",
		"getGuildMember",
		"getUser",
		"getCurrentUser",
		"getGuildRoles",
	}[c]
}

// Endpoint describes a single REST route: how to build its URL, whether it
// needs the bot token and how it participates in rate limiting and caching.
type Endpoint struct {
	ID     string
	Method string

	// Path is relative to the API base and contains {named} parameters.
	Path string

	RequiresAuth             bool
	CountsAgainstGlobalLimit bool
	CacheIdentity            CacheIdentity
}

// Query is a single query-string pair. Pairs are kept ordered so that cache
// keys are deterministic.
type Query struct {
	Key   string
	Value string
}

// URL interpolates the named path parameters and percent-encodes each value
// over the URL-path-allowed set.
func (e Endpoint) URL(params map[string]string) (string, error) {
	path, err := e.interpolate(params, false)
	if err != nil {
		return "", err
	}

	return path, nil
}

// Description returns the path used as a log identifier. Webhook and
// interaction tokens are replaced with a hash so they never reach logs.
func (e Endpoint) Description(params map[string]string) string {
	path, err := e.interpolate(params, true)
	if err != nil {
		return e.Path
	}

	return path
}

func (e Endpoint) interpolate(params map[string]string, hashSecrets bool) (string, error) {
	var builder strings.Builder

	path := e.Path

	for {
		start := strings.IndexByte(path, '{')
		if start < 0 {
			builder.WriteString(path)

			break
		}

		end := strings.IndexByte(path, '}')
		if end < start {
			return "", fmt.Errorf("endpoint %s: malformed path template", e.ID)
		}

		builder.WriteString(path[:start])

		name := path[start+1 : end]

		value, ok := params[name]
		if !ok {
			return "", fmt.Errorf("endpoint %s: missing path parameter %q", e.ID, name)
		}

		if hashSecrets && isSecretParameter(name) {
			builder.WriteString(hashParameter(value))
		} else {
			builder.WriteString(url.PathEscape(value))
		}

		path = path[end+1:]
	}

	return builder.String(), nil
}

// isSecretParameter reports whether a path parameter carries a credential
// rather than an ID.
func isSecretParameter(name string) bool {
	return strings.HasSuffix(name, "Token")
}

func hashParameter(value string) string {
	sum := sha256.Sum256([]byte(value))

	return "sha256:" + hex.EncodeToString(sum[:8])
}

// EncodeQueries renders ordered query pairs into a query string, without a
// leading separator.
func EncodeQueries(queries []Query) string {
	if len(queries) == 0 {
		return ""
	}

	var builder strings.Builder

	for i, query := range queries {
		if i > 0 {
			builder.WriteByte('&')
		}

		builder.WriteString(url.QueryEscape(query.Key))
		builder.WriteByte('=')
		builder.WriteString(url.QueryEscape(query.Value))
	}

	return builder.String()
}

// The endpoint catalog. Webhook-token and interaction-callback routes
// authenticate through the token embedded in their path, so they skip the
// Authorization header; interaction callbacks are also exempt from the
// global rate limit.
var (
	EndpointGetGateway = Endpoint{
		ID:                       "getGateway",
		Method:                   "GET",
		Path:                     "gateway",
		RequiresAuth:             false,
		CountsAgainstGlobalLimit: true,
		CacheIdentity:            CacheIdentityGetGateway,
	}

	EndpointGetGatewayBot = Endpoint{
		ID:                       "getGatewayBot",
		Method:                   "GET",
		Path:                     "gateway/bot",
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
		CacheIdentity:            CacheIdentityGetGatewayBot,
	}

	EndpointGetCurrentUser = Endpoint{
		ID:                       "getCurrentUser",
		Method:                   "GET",
		Path:                     "users/@me",
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
		CacheIdentity:            CacheIdentityGetCurrentUser,
	}

	EndpointGetUser = Endpoint{
		ID:                       "getUser",
		Method:                   "GET",
		Path:                     "users/{userId}",
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
		CacheIdentity:            CacheIdentityGetUser,
	}

	EndpointGetChannel = Endpoint{
		ID:                       "getChannel",
		Method:                   "GET",
		Path:                     "channels/{channelId}",
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
		CacheIdentity:            CacheIdentityGetChannel,
	}

	EndpointCreateMessage = Endpoint{
		ID:                       "createMessage",
		Method:                   "POST",
		Path:                     "channels/{channelId}/messages",
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
	}

	EndpointDeleteMessage = Endpoint{
		ID:                       "deleteMessage",
		Method:                   "DELETE",
		Path:                     "channels/{channelId}/messages/{messageId}",
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
	}

	EndpointTriggerTypingIndicator = Endpoint{
		ID:                       "triggerTypingIndicator",
		Method:                   "POST",
		Path:                     "channels/{channelId}/typing",
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
	}

	EndpointGetGuild = Endpoint{
		ID:                       "getGuild",
		Method:                   "GET",
		Path:                     "guilds/{guildId}",
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
		CacheIdentity:            CacheIdentityGetGuild,
	}

	EndpointGetGuildChannels = Endpoint{
		ID:                       "getGuildChannels",
		Method:                   "GET",
		Path:                     "guilds/{guildId}/channels",
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
		CacheIdentity:            CacheIdentityGetGuildChannels,
	}

	EndpointGetGuildMember = Endpoint{
		ID:                       "getGuildMember",
		Method:                   "GET",
		Path:                     "guilds/{guildId}/members/{userId}",
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
		CacheIdentity:            CacheIdentityGetGuildMember,
	}

	EndpointGetGuildRoles = Endpoint{
		ID:                       "getGuildRoles",
		Method:                   "GET",
		Path:                     "guilds/{guildId}/roles",
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
		CacheIdentity:            CacheIdentityGetGuildRoles,
	}

	EndpointLeaveGuild = Endpoint{
		ID:                       "leaveGuild",
		Method:                   "DELETE",
		Path:                     "users/@me/guilds/{guildId}",
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
	}

	EndpointExecuteWebhook = Endpoint{
		ID:                       "executeWebhook",
		Method:                   "POST",
		Path:                     "webhooks/{webhookId}/{webhookToken}",
		RequiresAuth:             false,
		CountsAgainstGlobalLimit: true,
	}

	EndpointCreateInteractionResponse = Endpoint{
		ID:                       "createInteractionResponse",
		Method:                   "POST",
		Path:                     "interactions/{interactionId}/{interactionToken}/callback",
		RequiresAuth:             false,
		CountsAgainstGlobalLimit: false,
	}
)
