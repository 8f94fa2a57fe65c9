// Package matrix is the chat-client side of the bridge. The Bridge consumes
// the Matrix sync stream and hands room messages to the router; the Sender
// implements the router's client sender over the Matrix client-server API.
package matrix
