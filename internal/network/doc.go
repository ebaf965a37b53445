// Package network holds listener helpers shared by the service's servers.
package network
