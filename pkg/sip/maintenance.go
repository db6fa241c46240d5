package sip

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"gb28181-gateway/pkg/messaging"
	"gb28181-gateway/pkg/metrics"
)

// RunMaintenance drives the gateway's periodic housekeeping until the
// context is cancelled: offlining devices whose keepalives lapsed and
// refreshing the catalog of online devices. Either job is disabled by a
// non-positive interval in the configuration.
func (c *Commander) RunMaintenance(ctx context.Context) {
	keepalive := c.config.SIP.KeepaliveTimeout
	catalog := c.config.SIP.CatalogInterval

	var sweep, refresh <-chan time.Time
	if keepalive > 0 {
		ticker := time.NewTicker(keepalive / 2)
		defer ticker.Stop()
		sweep = ticker.C
	}
	if catalog > 0 {
		ticker := time.NewTicker(catalog)
		defer ticker.Stop()
		refresh = ticker.C
	}
	if sweep == nil && refresh == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep:
			c.expireStaleDevices(ctx, keepalive)
		case <-refresh:
			c.refreshCatalogs(ctx)
		}
	}
}

// expireStaleDevices offlines every device that missed its keepalive window
// and tears down whatever streams it still held.
func (c *Commander) expireStaleDevices(ctx context.Context, window time.Duration) {
	expired := c.registry.ExpireStale(time.Now().Add(-window))
	if len(expired) == 0 {
		return
	}
	metrics.DevicesOnline.Set(float64(c.registry.OnlineCount()))
	for _, device := range expired {
		c.logger.WithFields(logrus.Fields{
			"device_id":      device.ID,
			"last_keepalive": device.LastKeepalive,
		}).Warn("Device keepalive lapsed, marking offline")
		c.publisher.PublishEvent(messaging.NewEvent(messaging.EventDeviceOffline, device.ID, ""))
		c.ReleaseDevice(ctx, device.ID)
	}
}

func (c *Commander) refreshCatalogs(ctx context.Context) {
	for _, device := range c.registry.ListDevices() {
		if !device.Online {
			continue
		}
		queryCtx, cancel := context.WithTimeout(ctx, c.config.SIP.AckTimeout)
		if _, err := c.SyncCatalog(queryCtx, device.ID); err != nil {
			c.logger.WithField("device_id", device.ID).WithError(err).Debug("Periodic catalog refresh failed")
		}
		cancel()
	}
}
