// Package model defines the domain types used across the application.
package model

import "time"

// User is a registered recipient of keyword alerts.
type User struct {
	ID        int64
	ChatID    int64
	CreatedAt time.Time
}

// Subscription binds a keyword spec of one user to one channel.
// A channel is referenced either by ChannelName (handle) or by ChatID
// (numeric address); ChatID wins when both are set.
type Subscription struct {
	ID          int64
	UserID      int64
	Keyword     string
	ChannelName string
	ChatID      string
	IsActive    bool
	CreatedAt   time.Time
}

// ChannelRef returns the raw channel reference the subscription points to.
func (s Subscription) ChannelRef() string {
	if s.ChatID != "" {
		return s.ChatID
	}
	return s.ChannelName
}

// Peer is a resolved channel: a stable numeric address and/or a public handle.
// The zero value means nothing could be resolved.
type Peer struct {
	Address int64
	Handle  string
}

// IsZero reports whether neither the address nor the handle is known.
func (p Peer) IsZero() bool {
	return p.Address == 0 && p.Handle == ""
}

// Message is a single channel post as seen by the scanner.
type Message struct {
	ID       int64
	Text     string
	FileName string
	Date     time.Time
}

// SearchText returns the text keywords are matched against: the body
// followed by the attached file name, if any.
func (m Message) SearchText() string {
	if m.FileName == "" {
		return m.Text
	}
	return m.Text + " " + m.FileName
}

// MessageQuery selects the messages a scan reads. When MinID is set only
// messages with a greater id are returned, otherwise messages published
// at or after Since. Results are always in ascending id order.
type MessageQuery struct {
	MinID int64
	Since time.Time
}
