// Package dispatch runs inbound webhook and chat events on a bounded pool of
// workers so HTTP handlers and sync loops can acknowledge quickly.
package dispatch
