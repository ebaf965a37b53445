package network

import (
	"context"
	"testing"
)

func TestReuseAddrListenConfigBinds(t *testing.T) {
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	again, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		t.Fatalf("rebinding %s: %v", addr, err)
	}
	again.Close()
}
