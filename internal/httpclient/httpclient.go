// Package httpclient holds the shared tuned HTTP clients and the per-device
// command serializer used by the drivers, discovery and the overlay callback.
package httpclient

import (
	"net/http"
	"time"
)

const (
	// SOAPTimeout bounds one AVTransport action attempt.
	SOAPTimeout = 10 * time.Second
	// DescriptionTimeout bounds a device-description XML fetch during discovery.
	DescriptionTimeout = 5 * time.Second
	// OverlayTimeout bounds the best-effort overlay-sync side effect.
	OverlayTimeout = 2 * time.Second

	idleConnTimeout     = 90 * time.Second
	maxIdleConnsPerHost = 8
)

var baseTransport = &http.Transport{
	MaxIdleConns:        64,
	MaxIdleConnsPerHost: maxIdleConnsPerHost,
	IdleConnTimeout:     idleConnTimeout,
}

var (
	soapClient        = &http.Client{Timeout: SOAPTimeout, Transport: baseTransport}
	descriptionClient = &http.Client{Timeout: DescriptionTimeout, Transport: baseTransport}
	overlayClient     = &http.Client{Timeout: OverlayTimeout, Transport: baseTransport}
)

// ForSOAP returns the shared client for AVTransport control actions.
func ForSOAP() *http.Client { return soapClient }

// ForDescription returns the shared client for description-XML fetches.
func ForDescription() *http.Client { return descriptionClient }

// ForOverlay returns the short-fuse client for the overlay-sync callback.
func ForOverlay() *http.Client { return overlayClient }
