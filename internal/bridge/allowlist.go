package bridge

import "strings"

// Authorized reports whether the external user may interact with the
// channel, as a pure function of the current ChannelConfig.
//
// Bot-style channels fail closed: an empty allow-list denies everyone, so a
// freshly configured bridge never accepts commands from arbitrary internet
// users. WebChat is gated by its connection access token instead, so the
// allow-list check is a pass-through there.
func Authorized(cfg ChannelConfig, externalUserID string) bool {
	if !cfg.Type.BotStyle() {
		return true
	}
	if len(cfg.AllowedUserIDs) == 0 {
		return false
	}
	_, ok := cfg.AllowedUserIDs[strings.TrimSpace(externalUserID)]
	return ok
}
