// Package database opens the PostgreSQL pool used by the transition journal.
package database
