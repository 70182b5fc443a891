package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"log"
	"sync"

	"github.com/escrowpay/escrowd/internal/domain"
)

// Publisher receives a copy of every appended event, e.g. for fan-out
// to a message broker. Publish failures never fail the append.
type Publisher interface {
	Publish(topic string, event any) error
}

// Certifier produces an externally verifiable proof over a tip digest.
// The log only exposes the hook; the proof scheme lives outside it.
type Certifier interface {
	Certify(tip [32]byte) ([]byte, error)
}

// Mirror durably records appended events with their chain prefix.
// Mirror failures never fail the append.
type Mirror interface {
	SaveEvent(ctx context.Context, offset uint64, e domain.Event, prefix []byte) error
}

// CertifiedEvents is a contiguous log slice plus the chain digests that
// let a remote verifier check it against a trusted tip.
type CertifiedEvents struct {
	Events      []domain.Event `json:"events"`
	PrevPrefix  []byte         `json:"prev_prefix,omitempty"`
	TipPrefix   []byte         `json:"tip_prefix,omitempty"`
	Certificate []byte         `json:"certificate,omitempty"`
}

// Log is the append-only event sequence. Offsets are assigned
// sequentially at append time; appended records are immutable.
//
// Each record extends a hash chain:
//
//	prefix[i] = sha256(prefix[i-1] || sha256(serialize(event[i])))
//
// with a zero block before the first record. Extending the log is an
// incremental step; no prefix is ever recomputed.
type Log struct {
	mu        sync.RWMutex
	events    []domain.Event
	prefixes  [][32]byte
	certifier Certifier
	publisher Publisher
	mirror    Mirror
	topic     string
}

// Option configures a Log.
type Option func(*Log)

// WithCertifier installs the external certification hook.
func WithCertifier(c Certifier) Option {
	return func(l *Log) { l.certifier = c }
}

// WithPublisher fans appended events out to topic via p.
func WithPublisher(p Publisher, topic string) Option {
	return func(l *Log) { l.publisher = p; l.topic = topic }
}

// WithMirror mirrors appended records to durable storage.
func WithMirror(m Mirror) Option {
	return func(l *Log) { l.mirror = m }
}

func New(opts ...Option) *Log {
	l := &Log{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func eventHash(e domain.Event) [32]byte {
	b, err := json.Marshal(e)
	if err != nil {
		// Event is a plain value type; marshalling cannot fail for it.
		panic("eventlog: marshal event: " + err.Error())
	}
	return sha256.Sum256(b)
}

// Append adds e to the log and returns its offset.
func (l *Log) Append(e domain.Event) uint64 {
	l.mu.Lock()
	var prev [32]byte
	if n := len(l.prefixes); n > 0 {
		prev = l.prefixes[n-1]
	}
	eh := eventHash(e)
	h := sha256.New()
	h.Write(prev[:])
	h.Write(eh[:])
	var prefix [32]byte
	copy(prefix[:], h.Sum(nil))

	l.events = append(l.events, e)
	l.prefixes = append(l.prefixes, prefix)
	offset := uint64(len(l.events) - 1)
	l.mu.Unlock()

	if l.mirror != nil {
		if err := l.mirror.SaveEvent(context.Background(), offset, e, prefix[:]); err != nil {
			log.Printf("eventlog: mirror offset %d: %v", offset, err)
		}
	}
	if l.publisher != nil {
		if err := l.publisher.Publish(l.topic, e); err != nil {
			log.Printf("eventlog: publish offset %d: %v", offset, err)
		}
	}
	return offset
}

// Len returns the number of appended events.
func (l *Log) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events))
}

// List returns up to limit events starting at offset, in append order.
// Reads past the end yield an empty slice rather than an error.
func (l *Log) List(offset, limit uint64) []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start, end := l.bounds(offset, limit)
	out := make([]domain.Event, end-start)
	copy(out, l.events[start:end])
	return out
}

// ListCertifiedFrom returns the same slice as List plus the digest of
// the chain before offset and at the end of the slice. TipPrefix is a
// pure function of the log contents up to the end of the slice, so
// later appends never change it for a fixed range.
func (l *Log) ListCertifiedFrom(offset, limit uint64) CertifiedEvents {
	l.mu.RLock()
	start, end := l.bounds(offset, limit)
	events := make([]domain.Event, end-start)
	copy(events, l.events[start:end])

	var prev, tip []byte
	if start > 0 {
		prev = append([]byte(nil), l.prefixes[start-1][:]...)
	}
	var tipDigest [32]byte
	if end > 0 {
		tipDigest = l.prefixes[end-1]
		tip = append([]byte(nil), tipDigest[:]...)
	}
	l.mu.RUnlock()

	ce := CertifiedEvents{Events: events, PrevPrefix: prev, TipPrefix: tip}
	if l.certifier != nil && tip != nil {
		cert, err := l.certifier.Certify(tipDigest)
		if err != nil {
			log.Printf("eventlog: certify tip at offset %d: %v", end-1, err)
		} else {
			ce.Certificate = cert
		}
	}
	return ce
}

// bounds clamps [offset, offset+limit) to the log. Callers hold l.mu.
func (l *Log) bounds(offset, limit uint64) (int, int) {
	n := uint64(len(l.events))
	if offset > n {
		offset = n
	}
	end := offset + limit
	if end > n || end < offset {
		end = n
	}
	return int(offset), int(end)
}
