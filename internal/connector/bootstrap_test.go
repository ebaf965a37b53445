package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"

	"github.com/livefeed-project/livefeed/internal/config"
)

type fakePlatform struct {
	mu sync.Mutex

	spiStatus  int
	spiBody    string
	navBody    string
	danmuBody  string
	lastCookie string
	lastQuery  map[string]string
	lastOrigin string
}

func (f *fakePlatform) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(spiPath, func(w http.ResponseWriter, r *http.Request) {
		if f.spiStatus != 0 {
			w.WriteHeader(f.spiStatus)
			return
		}
		fmt.Fprint(w, f.spiBody)
	})
	mux.HandleFunc(navPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, f.navBody)
	})
	mux.HandleFunc(danmuInfoPath, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastCookie = r.Header.Get("Cookie")
		f.lastOrigin = r.Header.Get("Origin")
		f.lastQuery = map[string]string{}
		for k, v := range r.URL.Query() {
			f.lastQuery[k] = v[0]
		}
		fmt.Fprint(w, f.danmuBody)
	})
	return mux
}

const (
	okSpi = `{"code":0,"data":{"b_3":"XYdevice0000000000000infoc","b_4":"x"}}`
	okNav = `{"code":-101,"message":"not logged in","data":{"isLogin":false,"wbi_img":{` +
		`"img_url":"https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png",` +
		`"sub_url":"https://i0.hdslb.com/bfs/wbi/4932caff0ff746eab6f01bf08b70ac45.png"}}}`
	okDanmu = `{"code":0,"data":{"token":"tok123","host_list":[` +
		`{"host":"relay.example.com","port":2245,"wss_port":443},{"host":"other","port":2243}]}}`
)

func newTestBootstrapper(t *testing.T, f *fakePlatform) *Bootstrapper {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig().Relay
	cfg.APIBase = srv.URL
	cfg.LiveBase = srv.URL
	return NewBootstrapper(cfg)
}

func TestBootstrapSuccess(t *testing.T) {
	f := &fakePlatform{spiBody: okSpi, navBody: okNav, danmuBody: okDanmu}
	creds, err := newTestBootstrapper(t, f).Bootstrap(context.Background(), 21452505)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	if creds.DeviceID != "XYdevice0000000000000infoc" {
		t.Errorf("DeviceID = %q", creds.DeviceID)
	}
	if creds.AuthToken != "tok123" {
		t.Errorf("AuthToken = %q, want tok123", creds.AuthToken)
	}
	if creds.RelayAddr() != "relay.example.com:2245" {
		t.Errorf("RelayAddr() = %q, want first host_list entry", creds.RelayAddr())
	}
	if creds.Degraded.Any() {
		t.Errorf("Degraded = %+v, want none", creds.Degraded)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastCookie != "LIVE_BUVID=XYdevice0000000000000infoc" {
		t.Errorf("Cookie = %q", f.lastCookie)
	}
	if f.lastOrigin != liveOrigin {
		t.Errorf("Origin = %q", f.lastOrigin)
	}
	for _, key := range []string{"id", "type", "web_location", "wts", "w_rid"} {
		if _, ok := f.lastQuery[key]; !ok {
			t.Errorf("signed query missing %q: %v", key, f.lastQuery)
		}
	}
	if f.lastQuery["id"] != "21452505" || f.lastQuery["web_location"] != "444.8" {
		t.Errorf("query = %v", f.lastQuery)
	}
}

func TestBootstrapDegraded(t *testing.T) {
	f := &fakePlatform{
		spiStatus: http.StatusInternalServerError,
		navBody:   `{"code":0,"data":{}}`,
		danmuBody: `{"code":0,"data":{"token":"tok","host_list":[]}}`,
	}
	creds, err := newTestBootstrapper(t, f).Bootstrap(context.Background(), 1)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	if !creds.Degraded.DeviceIDFallback || !creds.Degraded.KeysFallback {
		t.Errorf("Degraded = %+v, want both fallbacks", creds.Degraded)
	}
	if !regexp.MustCompile(`^XY[0-9a-f]{18}infoc$`).MatchString(creds.DeviceID) {
		t.Errorf("DeviceID = %q, want generated id", creds.DeviceID)
	}
	if creds.RelayHost != config.DefaultRelayHost || creds.RelayPort != config.DefaultRelayPort {
		t.Errorf("relay = %s, want default", creds.RelayAddr())
	}
	if creds.Degraded.String() != "device_id,wbi_keys" {
		t.Errorf("Degraded.String() = %q", creds.Degraded.String())
	}
}

func TestBootstrapSpiNonZeroCodeFallsBack(t *testing.T) {
	f := &fakePlatform{spiBody: `{"code":-412,"message":"blocked"}`, navBody: okNav, danmuBody: okDanmu}
	creds, err := newTestBootstrapper(t, f).Bootstrap(context.Background(), 1)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if !creds.Degraded.DeviceIDFallback || creds.Degraded.KeysFallback {
		t.Errorf("Degraded = %+v, want device id fallback only", creds.Degraded)
	}
}

func TestBootstrapRoomTokenFailures(t *testing.T) {
	tests := []struct {
		name  string
		danmu string
	}{
		{"non-zero code", `{"code":-352,"message":"risk control"}`},
		{"malformed body", `<html>`},
		{"missing token", `{"code":0,"data":{"host_list":[]}}`},
		{"bad host entry", `{"code":0,"data":{"token":"t","host_list":[{"host":"","port":0}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakePlatform{spiBody: okSpi, navBody: okNav, danmuBody: tt.danmu}
			_, err := newTestBootstrapper(t, f).Bootstrap(context.Background(), 1)

			var be *BootstrapError
			if !errors.As(err, &be) {
				t.Fatalf("err = %v, want *BootstrapError", err)
			}
			if be.Step != StepRoomToken {
				t.Errorf("Step = %q, want %q", be.Step, StepRoomToken)
			}
		})
	}
}

func TestBootstrapCancelled(t *testing.T) {
	f := &fakePlatform{spiBody: okSpi, navBody: okNav, danmuBody: okDanmu}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestBootstrapper(t, f).Bootstrap(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
