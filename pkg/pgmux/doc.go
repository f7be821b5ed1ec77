// Package pgmux is the connection acquisition and multiplexing engine of a
// PostgreSQL client driver. It owns bounded pools of physical server
// connections, hands them to concurrent callers under timeout and
// cancellation, optionally multiplexes many commands onto few connections
// while preserving pipeline response order, and routes across replicated
// hosts by their primary/standby role.
//
// Wire-level value encoding, SQL handling, TLS mechanics and credential
// negotiation live behind the Transport and Session interfaces and are not
// part of this package.
package pgmux
