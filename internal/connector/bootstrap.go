// Package connector talks to the platform: the HTTP bootstrap that yields
// relay credentials and the TCP relay client that turns the relay stream
// into feed updates.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/livefeed-project/livefeed/internal/config"
	"github.com/livefeed-project/livefeed/internal/util"
	"github.com/livefeed-project/livefeed/internal/wbi"
)

const (
	spiPath       = "/x/frontend/finger/spi"
	navPath       = "/x/web-interface/nav"
	danmuInfoPath = "/xlive/web-room/v1/index/getDanmuInfo"

	liveOrigin     = "https://live.bilibili.com"
	mainReferer    = "https://www.bilibili.com/"
	webLocation    = "444.8"
	maxResponseLen = 1 << 20
)

// DegradedFlags records which bootstrap sub-calls fell back to substitute
// values.
type DegradedFlags struct {
	DeviceIDFallback bool `json:"device_id_fallback"`
	KeysFallback     bool `json:"keys_fallback"`
}

// Any reports whether any fallback was used.
func (d DegradedFlags) Any() bool {
	return d.DeviceIDFallback || d.KeysFallback
}

func (d DegradedFlags) String() string {
	var parts []string
	if d.DeviceIDFallback {
		parts = append(parts, "device_id")
	}
	if d.KeysFallback {
		parts = append(parts, "wbi_keys")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// Credentials are what one connection attempt needs to join a room.
type Credentials struct {
	DeviceID  string
	AuthToken string
	RelayHost string
	RelayPort uint16
	Degraded  DegradedFlags
}

// RelayAddr returns host:port of the relay.
func (c *Credentials) RelayAddr() string {
	return net.JoinHostPort(c.RelayHost, strconv.Itoa(int(c.RelayPort)))
}

// Bootstrapper performs the ordered HTTP calls that produce Credentials.
type Bootstrapper struct {
	cfg    config.RelayConfig
	client *http.Client
	logger zerolog.Logger
}

// NewBootstrapper creates a bootstrapper for the given relay settings.
func NewBootstrapper(cfg config.RelayConfig) *Bootstrapper {
	return &Bootstrapper{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout(),
			Transport: &http.Transport{
				MaxIdleConns:    4,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		logger: util.ComponentLogger("bootstrap"),
	}
}

// Bootstrap obtains fresh credentials for a room. Device id and key
// failures degrade; a room token failure is a *BootstrapError.
func (b *Bootstrapper) Bootstrap(ctx context.Context, roomID int64) (*Credentials, error) {
	creds := &Credentials{}

	deviceID, err := b.fetchDeviceID(ctx, roomID)
	if err != nil {
		deviceID = "XY" + util.RandomHex(18) + "infoc"
		creds.Degraded.DeviceIDFallback = true
		b.logger.Warn().Err(err).Str("device_id", deviceID).Msg("device id unavailable, using generated id")
	}
	creds.DeviceID = deviceID

	imgKey, subKey, err := b.fetchKeys(ctx)
	if err != nil {
		imgKey, subKey = "", ""
		creds.Degraded.KeysFallback = true
		b.logger.Warn().Err(err).Msg("signing keys unavailable, signing with empty keys")
	}

	if err := ctx.Err(); err != nil {
		return nil, &BootstrapError{Step: StepRoomToken, Err: err}
	}

	if err := b.fetchRoomToken(ctx, roomID, imgKey, subKey, creds); err != nil {
		return nil, &BootstrapError{Step: StepRoomToken, Err: err}
	}

	b.logger.Info().
		Int64("room_id", roomID).
		Str("relay", creds.RelayAddr()).
		Stringer("degraded", creds.Degraded).
		Msg("bootstrap complete")

	return creds, nil
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (b *Bootstrapper) fetchDeviceID(ctx context.Context, roomID int64) (string, error) {
	var resp apiResponse
	if err := b.getJSON(ctx, b.cfg.APIBase+spiPath, b.liveHeaders(roomID), &resp); err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("spi returned code %d: %s", resp.Code, resp.Message)
	}

	var data struct {
		B3 string `json:"b_3"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("invalid spi data: %w", err)
	}
	if data.B3 == "" {
		return "", fmt.Errorf("spi data has no b_3")
	}
	return data.B3, nil
}

// fetchKeys reads the signing keys from nav. Anonymous callers get code
// -101 together with valid keys, so the code is not checked.
func (b *Bootstrapper) fetchKeys(ctx context.Context) (string, string, error) {
	headers := b.baseHeaders()
	headers.Set("Origin", liveOrigin)
	headers.Set("Referer", mainReferer)

	var resp apiResponse
	if err := b.getJSON(ctx, b.cfg.APIBase+navPath, headers, &resp); err != nil {
		return "", "", err
	}

	var data struct {
		WbiImg struct {
			ImgURL string `json:"img_url"`
			SubURL string `json:"sub_url"`
		} `json:"wbi_img"`
	}
	if len(resp.Data) == 0 {
		return "", "", fmt.Errorf("nav response has no data (code %d)", resp.Code)
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", "", fmt.Errorf("invalid nav data: %w", err)
	}

	imgKey := wbi.KeyFromURL(data.WbiImg.ImgURL)
	subKey := wbi.KeyFromURL(data.WbiImg.SubURL)
	if imgKey == "" || subKey == "" {
		return "", "", fmt.Errorf("nav data has no wbi_img keys")
	}
	return imgKey, subKey, nil
}

type danmuInfo struct {
	Token    string `json:"token"`
	HostList []struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"host_list"`
}

func (b *Bootstrapper) fetchRoomToken(ctx context.Context, roomID int64, imgKey, subKey string, creds *Credentials) error {
	signed := wbi.Sign(map[string]string{
		"id":           strconv.FormatInt(roomID, 10),
		"type":         "0",
		"web_location": webLocation,
	}, imgKey, subKey)

	headers := b.liveHeaders(roomID)
	headers.Set("Cookie", "LIVE_BUVID="+creds.DeviceID)

	var resp apiResponse
	endpoint := b.cfg.LiveBase + danmuInfoPath + "?" + wbi.Encode(signed)
	if err := b.getJSON(ctx, endpoint, headers, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		return fmt.Errorf("getDanmuInfo returned code %d: %s", resp.Code, resp.Message)
	}

	var data danmuInfo
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return fmt.Errorf("invalid getDanmuInfo data: %w", err)
	}
	if data.Token == "" {
		return fmt.Errorf("getDanmuInfo data has no token")
	}

	creds.AuthToken = data.Token
	creds.RelayHost = b.cfg.DefaultHost
	creds.RelayPort = uint16(b.cfg.DefaultPort)

	if len(data.HostList) > 0 {
		first := data.HostList[0]
		if first.Host == "" || first.Port <= 0 || first.Port > 65535 {
			return fmt.Errorf("invalid relay host entry %q:%d", first.Host, first.Port)
		}
		creds.RelayHost = first.Host
		creds.RelayPort = uint16(first.Port)
	} else {
		b.logger.Warn().Str("relay", creds.RelayAddr()).Msg("empty host list, using default relay")
	}
	return nil
}

// getJSON performs one GET bounded by the HTTP timeout and decodes the body.
func (b *Bootstrapper) getJSON(ctx context.Context, url string, headers http.Header, dst interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.HTTPTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = headers

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Path)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseLen))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (b *Bootstrapper) baseHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", b.userAgent())
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9")
	return h
}

func (b *Bootstrapper) liveHeaders(roomID int64) http.Header {
	h := b.baseHeaders()
	h.Set("Origin", liveOrigin)
	h.Set("Referer", fmt.Sprintf("%s/%d", liveOrigin, roomID))
	return h
}

func (b *Bootstrapper) userAgent() string {
	if b.cfg.UserAgent != "" {
		return b.cfg.UserAgent
	}
	return config.DefaultUserAgent
}
