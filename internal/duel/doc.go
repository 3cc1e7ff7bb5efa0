// Package duel is the live duel channel: one connection per (duel, user)
// carrying proof submissions, clock updates, chat and surrender.
package duel
