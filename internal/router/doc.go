// Package router moves messages between the chat client and helpdesk
// platforms. Client messages open or continue a platform conversation;
// platform events are relayed back to the chat conversation recorded in the
// mapping. The router is the only place that decides when a conversation is
// created, greeted, recreated or closed.
package router
