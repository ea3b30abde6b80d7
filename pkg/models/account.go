package models

import (
	"fmt"
	"time"
)

// ConnectionState lifecycle state of one account connection
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateSyncing      ConnectionState = "syncing"
	StateMonitoring   ConnectionState = "monitoring"
	StateReconnecting ConnectionState = "reconnecting"
	StateShuttingDown ConnectionState = "shutting_down"
)

// SessionConfig derived per-session settings. Password is kept here and
// must never appear in logs.
type SessionConfig struct {
	Password    string
	DialTimeout time.Duration
	AuthTimeout time.Duration
}

// Account represents a configured mail account. LastSync is maintained by
// the account's sync loop.
type Account struct {
	ID       string
	Label    string
	User     string
	Host     string
	Port     int
	TLS      bool
	Session  SessionConfig
	LastSync time.Time
}

// Addr returns the host:port dial address
func (a *Account) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
