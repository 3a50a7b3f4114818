// Package api serves the IoT gateway HTTP surface: key and webhook
// management, event publishing, and the gated proxy to the analytics
// platform. Every route except health and metrics passes through the access
// gate.
package api
