// Package notify is the per-user push notification channel.
//
// Inbound "notification" frames are decoded and handed to an Alerter. The
// channel itself only delivers them; what an alert looks like is up to the
// Alerter.
package notify
