// Package bibd is a personal bibliographic reference manager built around
// one JSON library file and an optional background server.
//
// Commands normally open the library file directly. When a background
// server already holds the library, detected through a portfile next to
// it, commands are transparently routed to that server over loopback HTTP
// instead, so concurrent invocations never race on the file. The
// NewExecutionContext factory is the single place that decision is made.
package bibd
