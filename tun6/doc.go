/*
Package tun6 manages a point-to-point IPv6 tunneling network interface
on Linux systems.

The interface is created through the kernel TUN driver.  The driver
exchanges layer 3 packets with user space over a character device,
prefixing each packet with a 4 octet packet information header carrying
flags and the ethertype of the payload.  Package tun6 owns that framing:
SendPacket and ReceivePacket deal in bare IPv6 packets.

Interface state is programmed two ways, matching what the kernel offers
for each operation: link flags and MTU through the classic ifreq ioctls
on a PF_INET6 datagram socket, addresses and routes through rtnetlink.
Every state operation acquires and releases its kernel handle within the
call, so operations are individually retryable.

A Tunnel obtained from Open owns the network interface: the interface
exists for exactly as long as the device descriptor is held, and Close
removes it.  A Tunnel obtained from Existing performs state operations
on an interface owned by another process and cannot perform packet I/O;
it is the handle a privilege-separated helper process works through.

Packet I/O is readiness driven.  RegisterReadable enters the device
descriptor into a ReadSet; after ReadSet.Wait indicates readiness,
ReceivePacket reads exactly one frame without blocking.
*/
package tun6
