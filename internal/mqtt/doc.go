// Package mqtt owns the device's single broker session.
//
// A [Session] holds the live connection handle behind an atomic
// pointer and an atomic connected flag. The handle is replaced only by
// [Session.ConnectWithRetry] and [Session.Reconnect]; every publisher
// (telemetry loop, RPC dispatcher, OTA job) takes one snapshot of it
// per call, so no goroutine ever sees a half-replaced handle and no
// lock is held across a publish.
//
// Publishing while the broker is disconnected fails immediately with
// [ErrNotConnected]. Nothing is queued or retried; the caller decides
// whether the message matters.
//
// The concrete transport is Eclipse Paho v2's [autopaho] connection
// manager (see [PahoDialer]). Its connection events are delivered to
// the session through the [Events] interface; inbound messages are
// handed to the configured [MessageHandler] on the transport's
// delivery goroutine, so handlers must not block for long.
package mqtt
