// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This file contains variables for the Discord voice end points. These are
// exported and you may modify them if needed.

package endpoint

import (
	"net/url"
	"strings"
)

// VoiceGatewayVersion is the voice websocket protocol version requested.
var VoiceGatewayVersion = "4"

// VoiceScheme is the scheme used to reach voice servers.
var VoiceScheme = "wss"

// VoiceGateway returns the websocket URL of a voice server, given the
// endpoint from a VOICE_SERVER_UPDATE. Discord used to append a bogus ":80"
// port to endpoints; it is dropped. A full ws:// or wss:// URL is kept as is,
// apart from the version query parameter.
func VoiceGateway(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)

	if !strings.Contains(endpoint, "://") {
		endpoint = VoiceScheme + "://" + strings.TrimSuffix(endpoint, ":80")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	if u.Path == "" {
		u.Path = "/"
	}

	q := u.Query()
	if q.Get("v") == "" {
		q.Set("v", VoiceGatewayVersion)
	}
	u.RawQuery = q.Encode()

	return u.String()
}
