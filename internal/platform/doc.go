// Package platform defines the contract between the message router and the
// helpdesk adapters. Each adapter package (freshchat, zendesk) provides a
// Client for outbound API calls and a Webhook for inbound event parsing.
package platform
