package throttle

import "strings"

// VisitKey scopes a visit to a viewer, a client session and a local calendar day.
func VisitKey(viewerID, sessionID, dateKey string) string {
	return joinKey("visit", viewerID, sessionID, dateKey)
}

// ChannelViewKey scopes a channel view to a viewer, session, channel and day.
func ChannelViewKey(viewerID, sessionID, channel, dateKey string) string {
	return joinKey("channel", viewerID, sessionID, channel, dateKey)
}

// JoinKey scopes a chat join announcement to a viewer on a channel.
func JoinKey(viewerID, channel string) string {
	return joinKey("join", viewerID, channel)
}

func joinKey(parts ...string) string {
	return strings.Join(parts, ":")
}
