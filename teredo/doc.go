/*
Package teredo implements the data path of the Teredo service
(RFC 4380): relaying IPv6 packets between a tunneling interface and
UDP/IPv4 transport.

A Teredo address embeds the location of its owner: the serving prefix,
the qualifying server's IPv4 address, NAT type flags, and the client's
NAT-mapped UDP endpoint in obfuscated form.  The address helpers in
this package pack and unpack that layout.

Two service objects exist.  A Relay owns one UDP socket and forwards
traffic in both directions: IPv6 packets handed to SendPacket are
encapsulated and transmitted to the UDP endpoint derived from the
destination address, and datagrams read by ReceivePacket are validated
and written to the tunnel.  A Relay is constructed in one of two
variants: NewClientRelay for a host qualifying against a Teredo server,
and NewRelay for a gateway serving a Teredo prefix to the native IPv6
internet.  A Server owns the well-known service port on a primary and
secondary IPv4 address pair and bootstraps clients.

Both objects follow a two-stage readiness model: construction succeeds
even when the UDP bind fails, and Ready reports whether the socket is
usable.  This lets a caller distinguish a configuration problem from a
port conflict and report the latter precisely.

Packet processing is readiness driven and non-blocking; the owning
event loop registers descriptors through RegisterReadable and calls the
processing methods once a wait indicates readiness.
*/
package teredo
