// Copyright 2016 Jimmy Zelinskie
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bittorrent implements the value types shared by every wire
// protocol and storage backend in this tracker: info hashes, peer and user
// identifiers, and the announce/scrape request and response shapes.
package bittorrent

import (
	"fmt"
	"net"
	"time"
)

// PeerID represents the 20-byte identifier a BitTorrent client attaches to
// every request it makes.
type PeerID [20]byte

// PeerIDFromBytes creates a PeerID from a byte slice.
//
// It panics if b is not 20 bytes long.
func PeerIDFromBytes(b []byte) PeerID {
	if len(b) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return PeerID(buf)
}

// PeerIDFromString creates a PeerID from a string.
//
// It panics if s is not 20 bytes long.
func PeerIDFromString(s string) PeerID {
	if len(s) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return PeerID(buf)
}

// String returns the lowercase hex encoding of the peer ID.
func (p PeerID) String() string {
	const hextable = "0123456789abcdef"
	var buf [40]byte
	for j, b := range p {
		buf[j*2] = hextable[b>>4]
		buf[j*2+1] = hextable[b&0x0f]
	}
	return string(buf[:])
}

// InfoHash represents the 20-byte SHA-1 identifier of a torrent.
type InfoHash [20]byte

// InfoHashFromBytes creates an InfoHash from a byte slice.
//
// It panics if b is not 20 bytes long.
func InfoHashFromBytes(b []byte) InfoHash {
	if len(b) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return InfoHash(buf)
}

// InfoHashFromString creates an InfoHash from a string.
//
// It panics if s is not 20 bytes long.
func InfoHashFromString(s string) InfoHash {
	if len(s) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return InfoHash(buf)
}

// String returns the lowercase hex encoding of the info hash.
func (i InfoHash) String() string {
	const hextable = "0123456789abcdef"
	var buf [40]byte
	for j, b := range i {
		buf[j*2] = hextable[b>>4]
		buf[j*2+1] = hextable[b&0x0f]
	}
	return string(buf[:])
}

// MarshalText implements encoding.TextMarshaler so an InfoHash can be used
// as a JSON object key or map key (hex-encoded, matching String()).
func (i InfoHash) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, the inverse of
// MarshalText.
func (i *InfoHash) UnmarshalText(text []byte) error {
	if len(text) != 40 {
		return fmt.Errorf("infohash must be 40 hex characters, got %d", len(text))
	}
	for j := 0; j < 20; j++ {
		hi, err := hexNibble(text[j*2])
		if err != nil {
			return err
		}
		lo, err := hexNibble(text[j*2+1])
		if err != nil {
			return err
		}
		i[j] = hi<<4 | lo
	}
	return nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex character %q", c)
	}
}

// UserID represents the 20-byte identifier derived from a user's passkey.
type UserID [20]byte

// String returns the lowercase hex encoding of the user ID.
func (u UserID) String() string {
	return InfoHash(u).String()
}

// MarshalText implements encoding.TextMarshaler so a UserID can be used as
// a JSON object key or map key (hex-encoded, matching String()).
func (u UserID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, the inverse of
// MarshalText.
func (u *UserID) UnmarshalText(text []byte) error {
	ih := InfoHash(*u)
	if err := (&ih).UnmarshalText(text); err != nil {
		return err
	}
	*u = UserID(ih)
	return nil
}

// UserIDFromString creates a UserID from a string.
//
// It panics if s is not 20 bytes long.
func UserIDFromString(s string) UserID {
	if len(s) != 20 {
		panic("user ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return UserID(buf)
}

// AddressFamily distinguishes IPv4 swarms/shards from IPv6 ones.
type AddressFamily uint8

const (
	// IPv4 indicates a 4-byte address.
	IPv4 AddressFamily = iota
	// IPv6 indicates a 16-byte address.
	IPv6
)

func (af AddressFamily) String() string {
	if af == IPv6 {
		return "IPv6"
	}
	return "IPv4"
}

// IP wraps a net.IP with the address family it was classified into, so
// storage and wire code never need to re-derive it from length.
type IP struct {
	net.IP
	AddressFamily
}

// AnnounceRequest represents the parsed parameters from an announce request.
type AnnounceRequest struct {
	Event           Event
	InfoHash        InfoHash
	Compact         bool
	EventProvided   bool
	NumWantProvided bool
	IPProvided      bool
	NumWant         uint32
	Left            uint64
	Downloaded      uint64
	Uploaded        uint64

	Peer
	Params
}

// AnnounceResponse represents the parameters used to create an announce
// response.
type AnnounceResponse struct {
	Compact     bool
	Complete    int32
	Incomplete  int32
	Interval    time.Duration
	MinInterval time.Duration
	IPv4Peers   []Peer
	IPv6Peers   []Peer
}

// AnnounceHandler is a function that generates a response for an Announce.
type AnnounceHandler func(*AnnounceRequest) *AnnounceResponse

// AnnounceCallback is a function that does something with the results of an
// Announce after it has been completed.
type AnnounceCallback func(*AnnounceRequest, *AnnounceResponse)

// ScrapeRequest represents the parsed parameters from a scrape request.
type ScrapeRequest struct {
	AddressFamily
	InfoHashes []InfoHash
	Params     Params
}

// ScrapeResponse represents the parameters used to create a scrape response.
type ScrapeResponse struct {
	Files map[InfoHash]Scrape
}

// Scrape represents the state of a swarm that is returned in a scrape response.
type Scrape struct {
	InfoHash   InfoHash
	Snatches   uint32
	Complete   uint32
	Incomplete uint32
}

// ScrapeHandler is a function that generates a response for a Scrape.
type ScrapeHandler func(*ScrapeRequest) *ScrapeResponse

// ScrapeCallback is a function that does something with the results of a
// Scrape after it has been completed.
type ScrapeCallback func(*ScrapeRequest, *ScrapeResponse)

// Peer represents the connection details of a peer that is returned in an
// announce response.
type Peer struct {
	ID   PeerID
	IP   IP
	Port uint16
}

// Equal reports whether p and x are the same.
func (p Peer) Equal(x Peer) bool { return p.EqualEndpoint(x) && p.ID == x.ID }

// EqualEndpoint reports whether p and x have the same endpoint.
func (p Peer) EqualEndpoint(x Peer) bool { return p.Port == x.Port && p.IP.Equal(x.IP.IP) }

// String returns a human-readable "id@[ip]:port" representation of the peer.
func (p Peer) String() string {
	return fmt.Sprintf("%s@[%s]:%d", p.ID.String(), p.IP.IP.String(), p.Port)
}

// ClientError represents an error that should be exposed to the client over
// the BitTorrent protocol implementation.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }

// Server represents an implementation of the BitTorrent tracker protocol.
type Server interface {
	ListenAndServe() error
	Stop()
}

// ServerFuncs are the collection of protocol-agnostic functions used to handle
// requests in a Server.
type ServerFuncs struct {
	HandleAnnounce AnnounceHandler
	HandleScrape   ScrapeHandler
	AfterAnnounce  AnnounceCallback
	AfterScrape    ScrapeCallback
}
