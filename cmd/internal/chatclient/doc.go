// Package chatclient is the client side of a conversation: an optimistic
// timeline that reconciles pending sends with server confirmations, history
// paging, typing debounce, join retry, and the websocket and REST transports
// that feed it.
package chatclient
