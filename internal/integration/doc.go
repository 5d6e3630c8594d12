// Package integration exercises the attendance registry, history store,
// transition hub, live feed and scanner loop wired together.
package integration
