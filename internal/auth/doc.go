// Package auth protects the admin API with HS256 JWT bearer tokens.
//
// Tokens carry the caller in "sub" and a "role" claim, either "admin" or
// "viewer". Viewers may read mappings and stats; only admins may force a
// mapping resolved. Tokens are minted with the "token" CLI command:
//
//	deskbridge token --subject ops --role admin --ttl 24h
package auth
