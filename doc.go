/*
Package ably provides the connection layer of a client for a hosted
publish/subscribe realtime service.

A Realtime client keeps one logical connection alive across any number of
physical transports. At a high level the connection goes through the
following steps:

	- connect: try hosts (the last one that worked, the primary, then the
	  fallbacks in random order) with each available transport until one
	  becomes viable
	- connected: the server sends CONNECTED with the connection id, key and
	  limits; queued messages are sent and acknowledged messages are
	  tracked by msgSerial until the server ACKs or NACKs them
	- disconnected: the transport dropped or went idle; the client retries
	  with backoff and resumes the same connection when it can
	- suspended: the connection state ttl ran out; the client keeps retrying
	  less often and starts a new connection when it succeeds

Channel and presence handling lives outside this package behind
ChannelRouter; tokens are obtained through a TokenProvider.

See the provided examples for how to use this library.
*/
package ably
