// Package bridge drives one websocket connection to a remote chat bridge.
//
// A Client is a single connection instance. Initialize dials the bridge and
// sends the stored credential blob, lifecycle notifications arrive on
// Events, and Destroy tears everything down. A Client is never reused:
// reconnecting means building a new one.
//
// Basic usage:
//
//	c, err := bridge.New(bridge.Options{
//	    URL:       "wss://bridge.example.com/ws",
//	    Token:     "secret",
//	    SessionID: "primary",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	for ev := range c.Events() {
//	    fmt.Println(ev.Type)
//	}
//
// The wire protocol is one JSON object per websocket frame with a "type"
// field. Requests issued by the client (status, send, quoted) carry a
// "seq" number that the bridge echoes in its *_result reply.
package bridge
