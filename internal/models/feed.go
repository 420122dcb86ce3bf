// Package models defines the persistent and in-flight data shapes shared by
// the scheduler, the item pipeline, and the storage adapters.
package models

import (
	"fmt"
	"time"
)

// FeedConfig is the persistent configuration of one polled source.
type FeedConfig struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	URL       string    `gorm:"uniqueIndex;not null" json:"url"`
	Category  uint      `gorm:"not null;index" json:"category"`
	Refresh   int64     `gorm:"not null" json:"refresh"` // milliseconds
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Valid reports whether the config satisfies the invariants the Scheduler
// enforces before an add/replace is accepted: a non-empty URL and a
// positive refresh interval.
func (c *FeedConfig) Valid() bool {
	return c != nil && c.URL != "" && c.Refresh > 0
}

// FeedItem is one parsed entry before canonicalization/persistence.
type FeedItem struct {
	Title    string
	URL      string
	Date     time.Time
	HasDate  bool
	Category uint
	Website  uint
}

// PersistedItem is a FeedItem that has been assigned store identity.
type PersistedItem struct {
	ID       uint      `json:"id"`
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	Date     time.Time `json:"date"`
	Category uint      `json:"category"`
	Website  uint      `json:"website"`
}

// ErrorType is a closed taxonomy of error tags, used so callers can branch
// on error category without string-matching messages.
type ErrorType string

const (
	ErrorTypeConfig           ErrorType = "type_error"
	ErrorTypeFetch            ErrorType = "fetch_url_error"
	ErrorTypeParse            ErrorType = "parse_url_error"
	ErrorTypeDB               ErrorType = "db_error"
	ErrorTypeItemSave         ErrorType = "item_save_error"
	ErrorTypePermanentFailure ErrorType = "permanent_failure"
	ErrorTypeInternal         ErrorType = "internal_error"
	ErrorTypeRedis            ErrorType = "redis_error"
	ErrorTypeDBConnect        ErrorType = "db_connect_error"
)

// Critical reports whether this error tag should trigger graceful shutdown
// of the worker process.
func (t ErrorType) Critical() bool {
	return t == ErrorTypeRedis || t == ErrorTypeDBConnect
}

// ErrorRecord is a structured log entry for any core-component failure.
type ErrorRecord struct {
	ID      uint      `gorm:"primaryKey" json:"id"`
	Type    ErrorType `gorm:"size:64;not null;index" json:"type"`
	FeedID  *uint     `json:"feed_id"`
	Message string    `gorm:"type:text" json:"message"`
	Date    time.Time `gorm:"autoCreateTime" json:"date"`
}

// TypedError carries a closed error-category tag alongside the underlying
// cause, so callers can branch on Type without string-matching messages.
type TypedError struct {
	Type ErrorType
	Err  error
}

func (e *TypedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *TypedError) Unwrap() error { return e.Err }
