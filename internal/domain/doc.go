// Package domain holds the notification engine's records and enumerations:
// Notification, Preferences, Delivery, the channel/priority/status sets and
// the closed catalog of notification types.
package domain
