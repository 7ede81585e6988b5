// Package proxy publishes HAProxy routing state for manticore.
//
// The published Data holds three route sets: HTTP host routes from each
// user's external prefix to the matching internal address, TCP listen
// routes from each user's external port to core's tcp port, and the
// control-plane web-app backends used as the default HTTP backend. Data is
// stored as JSON under the keyspace's haproxy/data key and optionally
// rendered into an HAProxy configuration file.
//
// Pair and web-app updates each replace their own route set in full and
// leave the other untouched, so replicas publishing concurrently converge
// through compare-and-swap.
package proxy
