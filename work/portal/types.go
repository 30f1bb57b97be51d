package portal

// Channel is one entry of the portal's channel catalog. The Cmd field is
// opaque at this layer: it is either a directly playable URL behind an
// "ffmpeg" marker or a portal command that has to go through create_link
// before it yields a stream URL.
type Channel struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Logo string `json:"logo"` // relative path or absolute URL, depending on portal variant
	Cmd  string `json:"cmd"`
}

// handshakeResponse is the js envelope of the handshake action.
type handshakeResponse struct {
	Js struct {
		Token string `json:"token"`
	} `json:"js"`
}

// catalogResponse is the js envelope of the get_all_channels action.
type catalogResponse struct {
	Js struct {
		Data []Channel `json:"data"`
	} `json:"js"`
}
