// Package media talks to the streaming media server's control API: it
// provisions and releases GB28181 media channels and synthesizes the
// playback URLs for streams the gateway has invited.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"gb28181-gateway/pkg/config"
	"gb28181-gateway/pkg/errors"
	"gb28181-gateway/pkg/version"
)

// ChannelInfo is the provisioning result returned by create_channel
type ChannelInfo struct {
	ID      string `json:"id"`
	SSRC    uint32 `json:"ssrc"`
	RTPPort int    `json:"rtp_port"`
	App     string `json:"app"`
	Stream  string `json:"stream"`
}

type apiResponse struct {
	Code int `json:"code"`
	Data struct {
		Query ChannelInfo `json:"query"`
	} `json:"data"`
}

// Client calls the media server's HTTP control API
type Client struct {
	logger     *logrus.Logger
	config     *config.MediaServerConfig
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a media server API client
func NewClient(logger *logrus.Logger, cfg *config.MediaServerConfig) *Client {
	return &Client{
		logger: logger,
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseURL: fmt.Sprintf("http://%s:%d/api/v1/gb28181", cfg.Host, cfg.APIPort),
	}
}

// CreateChannel provisions a media channel named after the device+channel
// composite and returns the assigned ssrc and RTP port. A non-zero API code
// fails the call.
func (c *Client) CreateChannel(ctx context.Context, deviceID, channelID string) (*ChannelInfo, error) {
	stream := StreamName(deviceID, channelID)
	query := url.Values{}
	query.Set("action", "create_channel")
	query.Set("id", stream)
	query.Set("stream", stream)
	query.Set("port_mode", "fixed")
	query.Set("app", c.config.App)

	var resp apiResponse
	if err := c.get(ctx, query, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, errors.Wrap(errors.ErrUpstreamProvisionFailed, "create_channel rejected").WithFields(map[string]interface{}{
			"code":   resp.Code,
			"stream": stream,
		})
	}

	info := resp.Data.Query
	c.logger.WithFields(logrus.Fields{
		"stream":   stream,
		"ssrc":     info.SSRC,
		"rtp_port": info.RTPPort,
	}).Info("Media channel provisioned")
	return &info, nil
}

// DeleteChannel releases a provisioned media channel. Best effort: callers
// treat failures as log-only.
func (c *Client) DeleteChannel(ctx context.Context, deviceID, channelID string) error {
	query := url.Values{}
	query.Set("action", "delete_channel")
	query.Set("id", deviceID)
	query.Set("chid", channelID)

	var resp apiResponse
	if err := c.get(ctx, query, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		return errors.New("delete_channel rejected").WithField("code", resp.Code)
	}
	c.logger.WithFields(logrus.Fields{
		"device_id":  deviceID,
		"channel_id": channelID,
	}).Info("Media channel released")
	return nil
}

func (c *Client) get(ctx context.Context, query url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "build media server request")
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "media server unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New("media server returned non-200 status").WithField("status", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode media server response")
	}
	return nil
}

// StreamName builds the device+channel composite used as both channel id
// and stream path on the media server.
func StreamName(deviceID, channelID string) string {
	return deviceID + "@" + channelID
}
